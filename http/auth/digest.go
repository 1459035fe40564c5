package auth

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"hash"
	"hash/fnv"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dchest/uniuri"
	"github.com/indigo-web/mhd/code"
	"github.com/indigo-web/mhd/config"
	"github.com/indigo-web/mhd/http"
	"github.com/indigo-web/mhd/http/status"
	"github.com/indigo-web/mhd/internal/strutil"
	"github.com/indigo-web/utils/strcomp"
)

// Algorithm is the hash function of the Digest scheme. Only the sessionless variants are
// supported.
type Algorithm uint8

const (
	MD5 Algorithm = iota
	SHA256
	SHA512_256
)

func (a Algorithm) String() string {
	switch a {
	case MD5:
		return "MD5"
	case SHA256:
		return "SHA-256"
	case SHA512_256:
		return "SHA-512-256"
	default:
		return "unknown"
	}
}

func (a Algorithm) hash() hash.Hash {
	switch a {
	case SHA256:
		return sha256.New()
	case SHA512_256:
		return sha512.New512_256()
	default:
		return md5.New()
	}
}

func parseAlgorithm(str string) (Algorithm, bool) {
	switch {
	case len(str) == 0, strcomp.EqualFold(str, "MD5"):
		return MD5, true
	case strcomp.EqualFold(str, "SHA-256"):
		return SHA256, true
	case strcomp.EqualFold(str, "SHA-512-256"):
		return SHA512_256, true
	default:
		return 0, false
	}
}

// Result is the outcome of the Digest credentials verification.
type Result uint8

const (
	Valid Result = iota
	// HeaderMissing means there are no Digest credentials in the request.
	HeaderMissing
	HeaderMalformed
	WrongUsername
	WrongRealm
	WrongURI
	WrongAlgorithm
	WrongQOP
	// NonceWrong means the nonce wasn't issued by this daemon.
	NonceWrong
	// NonceStale means the nonce was issued by this daemon, but can't be used anymore. The
	// client should retry with a fresh one, so the challenge must carry stale=true.
	NonceStale
	// ResponseWrong means the credentials are wrong.
	ResponseWrong
)

func (r Result) String() string {
	switch r {
	case Valid:
		return "valid"
	case HeaderMissing:
		return "header missing"
	case HeaderMalformed:
		return "header malformed"
	case WrongUsername:
		return "wrong username"
	case WrongRealm:
		return "wrong realm"
	case WrongURI:
		return "wrong URI"
	case WrongAlgorithm:
		return "wrong algorithm"
	case WrongQOP:
		return "wrong qop"
	case NonceWrong:
		return "nonce wrong"
	case NonceStale:
		return "nonce stale"
	case ResponseWrong:
		return "response wrong"
	default:
		return "unknown"
	}
}

const (
	nonceTimeLen = 12
	nonceRandLen = 16
	nonceMACLen  = 32
	nonceLen     = nonceTimeLen + nonceRandLen + nonceMACLen
)

type nonceSlot struct {
	nonce  string
	issued time.Time
	// nc is the greatest nonce-count seen
	nc uint64
}

// Digest keeps track of issued nonces. Nonces are stored in a fixed array: once a slot is
// taken by a newer nonce, the older one becomes stale. Safe for concurrent use.
type Digest struct {
	mu      sync.Mutex
	slots   []nonceSlot
	secret  []byte
	opaque  string
	timeout time.Duration
	maxNC   uint64
	now     func() time.Time
}

func NewDigest(cfg config.Auth) *Digest {
	return &Digest{
		slots:   make([]nonceSlot, max(cfg.DigestNonces, 1)),
		secret:  []byte(uniuri.NewLen(32)),
		opaque:  uniuri.NewLen(24),
		timeout: cfg.NonceTimeout,
		maxNC:   cfg.MaxNC,
		now:     time.Now,
	}
}

// Challenge adds the Digest WWW-Authenticate header with a fresh nonce to the response.
// Stale must be set if the previous verification reported NonceStale.
func (d *Digest) Challenge(resp *http.Response, realm string, alg Algorithm, stale bool) error {
	if len(realm) == 0 {
		return code.AuthRealmMissing
	}

	var b strings.Builder
	b.WriteString(`Digest realm="`)
	b.Write(strutil.Quote(nil, []byte(realm)))
	b.WriteString(`", qop="auth", algorithm=`)
	b.WriteString(alg.String())
	b.WriteString(`, nonce="`)
	b.WriteString(d.issue())
	b.WriteString(`", opaque="`)
	b.WriteString(d.opaque)
	b.WriteByte('"')
	if stale {
		b.WriteString(", stale=true")
	}

	return resp.AddHeader("WWW-Authenticate", b.String())
}

// ActionChallenge replies with 401 asking for Digest credentials.
func (d *Digest) ActionChallenge(realm string, alg Algorithm, stale bool) (http.Action, error) {
	resp := http.NewResponseString(status.Unauthorized, status.CannedBody(status.Unauthorized))
	if err := d.Challenge(resp, realm, alg, stale); err != nil {
		resp.Destroy()
		return http.Action{}, err
	}

	_ = resp.AddHeader("Content-Type", "text/html")
	return http.ActionResponse(resp), nil
}

// Check verifies the request credentials against the password.
func (d *Digest) Check(req *http.Request, realm, username, password string, alg Algorithm) Result {
	return d.CheckDigest(req, realm, username, UserDigest(alg, username, realm, password), alg)
}

// CheckDigest verifies the request credentials against the user digest, which is
// H(username:realm:password), so the password itself needn't be stored.
func (d *Digest) CheckDigest(req *http.Request, realm, username string, userDigest []byte, alg Algorithm) Result {
	params, res := digestHeader(req)
	if res != Valid {
		return res
	}

	switch reqAlg, ok := parseAlgorithm(params.algorithm); {
	case params.username != username:
		return WrongUsername
	case params.realm != realm:
		return WrongRealm
	case !ok || reqAlg != alg:
		return WrongAlgorithm
	case params.uri != req.RawTarget:
		return WrongURI
	}

	withQOP := len(params.qop) > 0
	if withQOP && !strcomp.EqualFold(params.qop, "auth") {
		return WrongQOP
	}

	var nc uint64
	if withQOP {
		var err error
		nc, err = strconv.ParseUint(params.nc, 16, 64)
		if err != nil || len(params.cnonce) == 0 {
			return HeaderMalformed
		}
	}

	issued, ok := d.verifyNonce(params.nonce)
	if !ok {
		return NonceWrong
	}

	// a stale nonce is reported only to the client knowing the credentials
	if !hmac.Equal([]byte(expectedResponse(alg, userDigest, req.MethodString, params)), []byte(params.response)) {
		return ResponseWrong
	}

	if d.timeout > 0 && d.now().Sub(issued) > d.timeout {
		return NonceStale
	}

	return d.useNonce(params.nonce, nc, withQOP)
}

// Username returns the username of the Digest credentials, so the user digest can be
// looked up before the verification.
func Username(req *http.Request) (string, bool) {
	params, res := digestHeader(req)
	return params.username, res == Valid
}

// UserDigest computes H(username:realm:password).
func UserDigest(alg Algorithm, username, realm, password string) []byte {
	h := alg.hash()
	h.Write([]byte(username + ":" + realm + ":" + password))
	return h.Sum(nil)
}

func expectedResponse(alg Algorithm, userDigest []byte, method string, params digestParams) string {
	ha2 := hexsum(alg, method+":"+params.uri)
	ha1 := hex.EncodeToString(userDigest)
	if len(params.qop) == 0 {
		return hexsum(alg, ha1+":"+params.nonce+":"+ha2)
	}

	return hexsum(alg, ha1+":"+params.nonce+":"+params.nc+":"+params.cnonce+":"+params.qop+":"+ha2)
}

func hexsum(alg Algorithm, data string) string {
	h := alg.hash()
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

// issue generates a new nonce and stores it. The nonce carries the hex-encoded issue time
// in milliseconds, random characters and the MAC over both.
func (d *Digest) issue() string {
	now := d.now()
	ts := strconv.FormatInt(now.UnixMilli(), 16)
	body := strings.Repeat("0", max(nonceTimeLen-len(ts), 0)) + ts + uniuri.NewLen(nonceRandLen)
	nonce := body + d.mac(body)

	d.mu.Lock()
	d.slots[d.index(nonce)] = nonceSlot{nonce: nonce, issued: now}
	d.mu.Unlock()

	return nonce
}

func (d *Digest) verifyNonce(nonce string) (issued time.Time, ok bool) {
	if len(nonce) != nonceLen {
		return issued, false
	}

	body := nonce[:nonceTimeLen+nonceRandLen]
	if !hmac.Equal([]byte(d.mac(body)), []byte(nonce[len(body):])) {
		return issued, false
	}

	ms, err := strconv.ParseInt(nonce[:nonceTimeLen], 16, 64)
	if err != nil {
		return issued, false
	}

	return time.UnixMilli(ms), true
}

// useNonce checks the nonce is still in its slot and moves the nonce-count forward.
func (d *Digest) useNonce(nonce string, nc uint64, withQOP bool) Result {
	d.mu.Lock()
	defer d.mu.Unlock()

	slot := &d.slots[d.index(nonce)]
	if slot.nonce != nonce {
		return NonceStale
	}

	if !withQOP {
		return Valid
	}

	if nc <= slot.nc || (d.maxNC > 0 && nc > d.maxNC) {
		return NonceStale
	}

	slot.nc = nc
	return Valid
}

func (d *Digest) mac(body string) string {
	h := hmac.New(sha256.New, d.secret)
	h.Write([]byte(body))
	return hex.EncodeToString(h.Sum(nil))[:nonceMACLen]
}

func (d *Digest) index(nonce string) int {
	h := fnv.New32a()
	h.Write([]byte(nonce))
	return int(h.Sum32() % uint32(len(d.slots)))
}
