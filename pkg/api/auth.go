package api

import (
	"crypto/subtle"
	"math/big"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/uhyunpark/hyperbinary/pkg/account"
	"github.com/uhyunpark/hyperbinary/pkg/crypto"
)

// Identity resolves an inbound request to an account. The core trusts the
// result completely and never reads an account ID from the request body.
type Identity interface {
	Resolve(r *http.Request) (accountID string, ok bool)
}

// TokenResolver maps static bearer tokens to account IDs
type TokenResolver struct {
	tokens map[string]string
}

// NewTokenResolver copies tokens. Entries whose account ID fails
// account.ValidateID are returned as rejected and never resolve.
func NewTokenResolver(tokens map[string]string) (*TokenResolver, []string) {
	cp := make(map[string]string, len(tokens))
	var rejected []string
	for tok, acct := range tokens {
		if err := account.ValidateID(acct); err != nil {
			rejected = append(rejected, acct)
			continue
		}
		cp[tok] = acct
	}
	sort.Strings(rejected)
	return &TokenResolver{tokens: cp}, rejected
}

func (t *TokenResolver) Resolve(r *http.Request) (string, bool) {
	tok := bearerToken(r)
	if tok == "" {
		return "", false
	}
	acct, ok := t.tokens[tok]
	return acct, ok
}

// bearerToken reads "Authorization: Bearer <tok>", falling back to ?token=
// for browser WebSocket clients that cannot set headers
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(tok)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// hasCredentials reports whether the request tried to authenticate at all
func hasCredentials(r *http.Request) bool {
	return bearerToken(r) != "" || headerOrQuery(r, headerWalletSignature, "signature") != ""
}

func isAdmin(r *http.Request, adminToken string) bool {
	if adminToken == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(bearerToken(r)), []byte(adminToken)) == 1
}

// Wallet session headers. Browser WebSocket clients pass the same values as
// query parameters (address, issuedAt, signature).
const (
	headerWalletAddress   = "X-Wallet-Address"
	headerWalletIssuedAt  = "X-Wallet-Issued-At"
	headerWalletSignature = "X-Wallet-Signature"
)

// WalletResolver authenticates an EIP-712 signed session. The account ID is
// the lowercase hex address that signed it.
type WalletResolver struct {
	signer *crypto.EIP712Signer
	maxAge time.Duration
	now    func() time.Time
}

func NewWalletResolver(chainID int64, maxAge time.Duration) *WalletResolver {
	return &WalletResolver{
		signer: crypto.NewEIP712Signer(crypto.DefaultDomain(chainID)),
		maxAge: maxAge,
		now:    time.Now,
	}
}

func (w *WalletResolver) Resolve(r *http.Request) (string, bool) {
	addr := headerOrQuery(r, headerWalletAddress, "address")
	issued := headerOrQuery(r, headerWalletIssuedAt, "issuedAt")
	sigHex := headerOrQuery(r, headerWalletSignature, "signature")
	if addr == "" || issued == "" || sigHex == "" || !common.IsHexAddress(addr) {
		return "", false
	}

	issuedAt, err := strconv.ParseInt(issued, 10, 64)
	if err != nil {
		return "", false
	}
	age := w.now().Sub(time.Unix(issuedAt, 0))
	// small allowance for client clock skew
	if age > w.maxAge || age < -30*time.Second {
		return "", false
	}

	sig, err := hexutil.Decode(sigHex)
	if err != nil {
		return "", false
	}
	owner := common.HexToAddress(addr)
	ok, err := w.signer.VerifySession(&crypto.SessionEIP712{Account: owner, IssuedAt: big.NewInt(issuedAt)}, sig)
	if err != nil || !ok {
		return "", false
	}
	return strings.ToLower(owner.Hex()), true
}

func headerOrQuery(r *http.Request, header, param string) string {
	if v := r.Header.Get(header); v != "" {
		return v
	}
	return r.URL.Query().Get(param)
}

// Resolvers tries each Identity in order; the first match wins
type Resolvers []Identity

func (rs Resolvers) Resolve(r *http.Request) (string, bool) {
	for _, id := range rs {
		if acct, ok := id.Resolve(r); ok {
			return acct, true
		}
	}
	return "", false
}
