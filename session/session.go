// Package session talks to the vendor cloud: encrypted login, token
// lifecycle and the retrying request primitive every other package uses.
package session

import (
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/juju/errors"

	"github.com/solixapi/solix/helpers"
	"github.com/solixapi/solix/log2"
)

const LoginEndpoint = "passport/login"

const (
	DefaultRequestDelay   = 300 * time.Millisecond
	MinRequestDelay       = 0
	MaxRequestDelay       = 10 * time.Second
	DefaultRequestTimeout = 10 * time.Second
	DefaultEndpointLimit  = 10

	// a token is treated as expired this close to its deadline
	tokenValidityFloor = 60 * time.Second
)

var servers = map[string]string{
	"eu":  "https://ankerpower-api-eu.anker.com",
	"com": "https://ankerpower-api.anker.com",
}

var regionCountries = map[string][]string{
	"com": {
		"DZ", "LB", "SY", "EG", "LY", "TN", "MA", "JO", "PS", "AR", "AU", "BR", "HK", "IN",
		"JP", "MX", "NG", "NZ", "RU", "SG", "ZA", "KR", "TW", "US", "CA", "RO",
	},
	"eu": {
		"DE", "BE", "EL", "LT", "PT", "BG", "ES", "LU", "CZ", "FR", "HU", "SI", "DK", "HR",
		"MT", "SK", "IT", "NL", "FI", "EE", "CY", "AT", "SE", "IE", "LV", "PL", "UK", "IS",
		"NO", "LI", "CH", "BA", "ME", "MD", "MK", "GE", "AL", "RS", "TR", "UA", "XK", "AM",
		"BY", "AZ", "IL",
	},
}

var baseHeaders = map[string]string{
	"content-type": "application/json",
	"model-type":   "DESKTOP",
	"app-name":     "anker_power",
	"os-type":      "android",
}

// LoginStore persists the raw login response between runs. storage.Store
// implements it; nil disables caching.
type LoginStore interface {
	Load() ([]byte, error)
	Save([]byte) error
	Clear() error
}

type LoginState int

const (
	StateMissingCredentials LoginState = iota
	StateNotAuthenticated
	StateAuthenticated
)

func (ls LoginState) String() string {
	switch ls {
	case StateMissingCredentials:
		return "missing-credentials"
	case StateNotAuthenticated:
		return "not-authenticated"
	case StateAuthenticated:
		return "authenticated"
	}
	return fmt.Sprintf("LoginState(%d)", int(ls))
}

type Config struct {
	Email    string
	Password string
	Country  string

	RequestDelay   time.Duration // min spacing between requests, clamped 0..10s
	RequestTimeout time.Duration
	EndpointLimit  int // max same-endpoint requests per minute, 0 disables throttling

	LogSecrets bool // log auth headers unmasked

	Store     LoginStore
	Transport http.RoundTripper
	Rand      *rand.Rand
}

type Session struct { //nolint:maligned
	sync.Mutex

	Counter *RequestCounter

	log        *log2.Log
	cfg        Config
	httpClient *http.Client
	rnd        *rand.Rand

	countryID string
	apiBase   string

	nickname        string
	token           string
	gtoken          string
	tokenExpiration time.Time
	loginResponse   map[string]interface{}
	loggedIn        bool

	lastRequest  time.Time
	retryAttempt int

	privScalar []byte
	pubKeyRaw  []byte
	sharedKey  []byte
}

func NewSession(cfg Config, log *log2.Log) (*Session, error) {
	if cfg.RequestDelay == 0 {
		cfg.RequestDelay = DefaultRequestDelay
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.EndpointLimit == 0 {
		cfg.EndpointLimit = DefaultEndpointLimit
	}

	self := &Session{
		Counter:   NewRequestCounter(),
		log:       log,
		cfg:       cfg,
		countryID: strings.ToUpper(cfg.Country),
		rnd:       cfg.Rand,
	}
	if self.rnd == nil {
		self.rnd = helpers.RandUnix()
	}
	self.httpClient = &http.Client{
		Timeout:   cfg.RequestTimeout,
		Transport: cfg.Transport,
	}
	self.apiBase = resolveAPIBase(self.countryID)
	if self.apiBase == "" {
		return nil, errors.NotValidf("no api server for country=%s", self.countryID)
	}
	if err := self.initKeys(); err != nil {
		return nil, errors.Annotate(err, "session keys")
	}
	return self, nil
}

func resolveAPIBase(countryID string) string {
	for region, countries := range regionCountries {
		for _, c := range countries {
			if c == countryID {
				return servers[region]
			}
		}
	}
	return servers["eu"]
}

// UpdateCredentials replaces the password and country without dropping the
// current token.
func (self *Session) UpdateCredentials(password, country string) {
	self.Lock()
	defer self.Unlock()
	self.cfg.Password = password
	self.countryID = strings.ToUpper(country)
	if base := resolveAPIBase(self.countryID); base != "" {
		self.apiBase = base
	}
}

func (self *Session) Email() string    { return self.cfg.Email }
func (self *Session) Server() string   { return self.apiBase }
func (self *Session) Country() string  { self.Lock(); defer self.Unlock(); return self.countryID }
func (self *Session) Nickname() string { self.Lock(); defer self.Unlock(); return self.nickname }

func (self *Session) IsLoggedIn() bool {
	self.Lock()
	defer self.Unlock()
	return self.loggedIn
}

func (self *Session) TokenExpiresAt() time.Time {
	self.Lock()
	defer self.Unlock()
	return self.tokenExpiration
}

// LoginResponse returns a shallow copy of the last applied login data.
func (self *Session) LoginResponse() map[string]interface{} {
	self.Lock()
	defer self.Unlock()
	out := make(map[string]interface{}, len(self.loginResponse))
	for k, v := range self.loginResponse {
		out[k] = v
	}
	return out
}

func (self *Session) State() LoginState {
	if self.cfg.Email == "" || self.cfg.Password == "" {
		return StateMissingCredentials
	}
	if self.IsLoggedIn() {
		return StateAuthenticated
	}
	return StateNotAuthenticated
}

// generateHeader builds the common headers. Caller holds the lock.
func (self *Session) generateHeader() map[string]string {
	h := make(map[string]string, len(baseHeaders)+4)
	for k, v := range baseHeaders {
		h[k] = v
	}
	h["country"] = self.countryID
	h["timezone"] = timezoneGMTString(time.Now())
	if self.token != "" && self.gtoken != "" {
		h["x-auth-token"] = self.token
		h["gtoken"] = self.gtoken
	}
	return h
}

func timezoneGMTString(now time.Time) string {
	_, offset := now.Zone()
	hours := offset / 3600
	minutes := offset / 60
	if minutes < 0 {
		minutes = -minutes
	}
	return fmt.Sprintf("GMT%+03d:%02d", hours, minutes%60)
}

func maskSecret(value string) string {
	if len(value) <= 4 {
		return "####"
	}
	return value[:2] + "###masked###" + value[len(value)-2:]
}
