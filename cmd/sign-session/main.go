// Command sign-session prints wallet session headers for the venue API.
//
// Usage:
//
//	sign-session [-key <hex>] [-chain 1337]
//
// Without -key a fresh keypair is generated.
package main

import (
	"flag"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/uhyunpark/hyperbinary/pkg/crypto"
)

func main() {
	keyHex := flag.String("key", "", "hex private key (generated if empty)")
	chainID := flag.Int64("chain", 1337, "EIP-712 chain ID the venue expects")
	apiURL := flag.String("api", "http://localhost:8080", "venue API base URL")
	flag.Parse()

	// Step 1: Generate or load key
	var (
		signer *crypto.Signer
		err    error
	)
	if *keyHex == "" {
		fmt.Println("Generating new keypair...")
		signer, err = crypto.GenerateKey()
	} else {
		signer, err = crypto.FromPrivateKeyHex(*keyHex)
	}
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Address: %s\n", signer.Address().Hex())
	fmt.Printf("Account ID: %s\n", strings.ToLower(signer.Address().Hex()))
	if *keyHex == "" {
		fmt.Printf("Private Key: %s (KEEP SECRET!)\n", signer.PrivateKeyHex())
	}
	fmt.Println()

	// Step 2: Sign the session with EIP-712
	session := &crypto.SessionEIP712{
		Account:  signer.Address(),
		IssuedAt: big.NewInt(time.Now().Unix()),
	}
	eip712Signer := crypto.NewEIP712Signer(crypto.DefaultDomain(*chainID))
	signature, err := eip712Signer.SignSession(signer, session)
	if err != nil {
		fmt.Printf("Error signing: %v\n", err)
		os.Exit(1)
	}

	typed, err := eip712Signer.SessionToJSON(session)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Typed data (eth_signTypedData_v4):")
	fmt.Println(typed)
	fmt.Println()

	// Step 3: Verify before handing it out
	ok, err := eip712Signer.VerifySession(session, signature)
	if err != nil || !ok {
		fmt.Printf("✗ Signature INVALID: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("✓ Signature VALID")
	fmt.Println()

	// Step 4: Show how to call the API
	sig := fmt.Sprintf("0x%x", signature)
	fmt.Println("Headers:")
	fmt.Printf("  X-Wallet-Address: %s\n", session.Account.Hex())
	fmt.Printf("  X-Wallet-Issued-At: %s\n", session.IssuedAt)
	fmt.Printf("  X-Wallet-Signature: %s\n\n", sig)

	fmt.Println("Example:")
	fmt.Printf("  curl -H 'X-Wallet-Address: %s' -H 'X-Wallet-Issued-At: %s' -H 'X-Wallet-Signature: %s' %s/api/v1/snapshot\n",
		session.Account.Hex(), session.IssuedAt, sig, *apiURL)
}
