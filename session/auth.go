package session

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/elliptic"
	"crypto/md5" //nolint:gosec // vendor protocol requires md5(user_id)
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/juju/errors"
)

// Fixed server-side half of the login key agreement, published by the
// vendor app.
const apiServerPublicKey = "04c5c00c4f8d1197cc7c3167c52bf7acb054d722f0ef08dcd7e0883236e0d72a3868d9750cb47fa4619248f3d83f0f662671dadc6e2d31c2f41db0161651c7c076"

func (self *Session) initKeys() error {
	curve := elliptic.P256()
	priv, x, y, err := elliptic.GenerateKey(curve, rand.Reader)
	if err != nil {
		return errors.Trace(err)
	}
	self.privScalar = priv
	self.pubKeyRaw = elliptic.Marshal(curve, x, y)

	serverRaw, err := hex.DecodeString(apiServerPublicKey)
	if err != nil {
		return errors.Trace(err)
	}
	sx, sy := elliptic.Unmarshal(curve, serverRaw)
	if sx == nil {
		return errors.NotValidf("server public key")
	}
	kx, _ := curve.ScalarMult(sx, sy, priv)
	self.sharedKey = kx.FillBytes(make([]byte, 32))
	return nil
}

// encryptPassword is AES-256-CBC with PKCS7 padding; key is the agreed
// secret, IV its first 16 bytes.
func (self *Session) encryptPassword(raw string) (string, error) {
	block, err := aes.NewCipher(self.sharedKey)
	if err != nil {
		return "", errors.Trace(err)
	}
	padded := pkcs7Pad([]byte(raw), aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, self.sharedKey[:aes.BlockSize]).CryptBlocks(out, padded)
	return base64.StdEncoding.EncodeToString(out), nil
}

func pkcs7Pad(b []byte, blockSize int) []byte {
	n := blockSize - len(b)%blockSize
	padded := make([]byte, len(b)+n)
	copy(padded, b)
	for i := len(b); i < len(padded); i++ {
		padded[i] = byte(n)
	}
	return padded
}

// Authenticate logs in, reusing a cached login response when it still has
// more than a minute of validity. restart forces a fresh login.
func (self *Session) Authenticate(ctx context.Context, restart bool) error {
	self.Lock()
	defer self.Unlock()
	return self.authenticate(ctx, restart)
}

func (self *Session) authenticate(ctx context.Context, restart bool) error {
	if restart {
		self.token = ""
		self.gtoken = ""
		self.tokenExpiration = time.Time{}
		self.loginResponse = nil
		self.loggedIn = false
		self.nickname = ""
	}

	if !restart {
		if cached := self.loadCachedLogin(); cached != nil {
			if cachedLoginValid(cached, tokenValidityFloor) {
				self.log.Debugf("session using cached login response")
				if self.applyLoginResponse(cached, false) {
					return nil
				}
			} else {
				self.log.Debugf("session cached login missing/expired, re-authenticating")
			}
		}
	}

	encrypted, err := self.encryptPassword(self.cfg.Password)
	if err != nil {
		return errors.Annotate(err, "session login")
	}
	_, tzOffset := time.Now().Zone()
	payload := map[string]interface{}{
		"ab": self.countryID,
		"client_secret_info": map[string]interface{}{
			"public_key": hex.EncodeToString(self.pubKeyRaw),
		},
		"enc":         0,
		"email":       self.cfg.Email,
		"password":    encrypted,
		"time_zone":   tzOffset * 1000,
		"transaction": fmt.Sprint(time.Now().UnixNano() / int64(time.Millisecond)),
	}

	response, err := self.performRequest(ctx, "POST", LoginEndpoint, nil, payload)
	if err != nil {
		return errors.Annotate(err, "session login")
	}
	if apiErr := apiError(response, "Anker Api Error: login"); apiErr != nil {
		return apiErr
	}
	data, ok := response["data"].(map[string]interface{})
	if !ok {
		self.log.Errorf("session login response missing data: %v", response)
		return errors.NotValidf("login response missing data")
	}
	if !self.applyLoginResponse(data, true) {
		return errors.NotValidf("login response missing token or user id")
	}
	return nil
}

func (self *Session) applyLoginResponse(data map[string]interface{}, cache bool) bool {
	self.loginResponse = data
	self.token, _ = data["auth_token"].(string)
	self.nickname, _ = data["nick_name"].(string)
	self.tokenExpiration = time.Time{}
	if exp, ok := asFloat(data["token_expires_at"]); ok {
		self.tokenExpiration = time.Unix(int64(exp), 0)
	}

	if userID, ok := data["user_id"].(string); ok && userID != "" {
		sum := md5.Sum([]byte(userID)) //nolint:gosec
		self.gtoken = hex.EncodeToString(sum[:])
		self.loggedIn = self.token != ""
	} else {
		self.gtoken = ""
		self.loggedIn = false
	}

	if self.loggedIn && cache && self.cfg.Store != nil {
		if b, err := json.Marshal(data); err == nil {
			if err = self.cfg.Store.Save(b); err != nil {
				self.log.Errorf("session login cache save err=%v", err)
			}
		}
	}
	return self.loggedIn
}

func (self *Session) loadCachedLogin() map[string]interface{} {
	if self.cfg.Store == nil {
		return nil
	}
	b, err := self.cfg.Store.Load()
	if err != nil || len(b) == 0 {
		return nil
	}
	var data map[string]interface{}
	if err := json.Unmarshal(b, &data); err != nil {
		return nil
	}
	return data
}

func cachedLoginValid(data map[string]interface{}, minimum time.Duration) bool {
	token, _ := data["auth_token"].(string)
	if token == "" {
		return false
	}
	exp, ok := asFloat(data["token_expires_at"])
	if !ok {
		return false
	}
	return time.Until(time.Unix(int64(exp), 0)) > minimum
}

func asFloat(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case string:
		var f float64
		if _, err := fmt.Sscan(x, &f); err == nil {
			return f, true
		}
	}
	return 0, false
}
