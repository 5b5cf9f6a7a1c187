// Package transport is the broker side of the integration: a mutual-TLS
// MQTT session over the account's provisioned certificates, with device
// telemetry subscriptions and the command publish envelope.
package transport

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"

	"github.com/solixapi/solix/devmap"
	"github.com/solixapi/solix/helpers"
	"github.com/solixapi/solix/log2"
	"github.com/solixapi/solix/session"
)

const (
	TrustModeAPICa    = "api-ca"
	TrustModeSystemCa = "system-ca"

	DefaultConnectTimeout = 10 * time.Second
	DefaultKeepaliveSec   = 60
	brokerPort            = 8883

	cooldownMin = 5 * time.Second
	cooldownMax = 300 * time.Second
)

// InfoSource provides fresh broker credentials. Certificates rotate
// server-side, each connect attempt fetches a new set.
type InfoSource interface {
	MqttInfo(ctx context.Context) (*session.MqttInfo, error)
}

// MessageCallback observes every inbound broker message. decoded is the
// expanded telemetry map for binary frames, the parsed object for inline
// JSON, or the raw string. valueUpdate reports whether the per-device
// telemetry buffer changed.
type MessageCallback func(topic string, envelope map[string]interface{}, decoded interface{}, model, deviceSn string, valueUpdate bool)

// CooldownError is returned by Connect while the failure cooldown runs.
type CooldownError struct{ Remaining time.Duration }

func (e *CooldownError) Error() string {
	return fmt.Sprintf("mqtt connect in cooldown for %.1fs", e.Remaining.Seconds())
}

type Config struct {
	TrustMode        string // api-ca (default) or system-ca
	IntermediatesPem string // optional extra PEM certs appended to the client chain
	KeepaliveSec     uint16
	ConnectTimeout   time.Duration
	Tables           devmap.Table
	Rand             *rand.Rand
}

type Session struct { //nolint:maligned
	sync.Mutex

	log   *log2.Log
	cfg   Config
	src   InfoSource
	alive *alive.Alive
	rnd   *rand.Rand

	info          *session.MqttInfo
	conn          *conn
	connecting    bool
	closing       bool
	backoff       helpers.Backoff
	cooldownUntil time.Time

	subscriptions map[string]struct{}
	telemetry     map[string]map[string]interface{}
	callback      MessageCallback
}

func NewSession(src InfoSource, cfg Config, log *log2.Log) *Session {
	if cfg.TrustMode == "" {
		cfg.TrustMode = TrustModeAPICa
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.KeepaliveSec == 0 {
		cfg.KeepaliveSec = DefaultKeepaliveSec
	}
	if cfg.Tables == nil {
		cfg.Tables = devmap.Builtin()
	}
	self := &Session{
		log:           log,
		cfg:           cfg,
		src:           src,
		alive:         alive.NewAlive(),
		rnd:           cfg.Rand,
		subscriptions: make(map[string]struct{}),
		telemetry:     make(map[string]map[string]interface{}),
		backoff:       helpers.Backoff{Min: cooldownMin, Max: cooldownMax, K: 2},
	}
	if self.rnd == nil {
		self.rnd = helpers.RandUnix()
	}
	return self
}

func (self *Session) SetMessageCallback(cb MessageCallback) {
	self.Lock()
	self.callback = cb
	self.Unlock()
}

func (self *Session) Connected() bool {
	self.Lock()
	defer self.Unlock()
	return self.conn != nil && self.conn.online()
}

// Connect brings the broker session up. It is a no-op when already
// connected, refuses a second concurrent attempt, and refuses during the
// failure cooldown with a CooldownError. On success the requested
// subscriptions are replayed.
func (self *Session) Connect(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	self.Lock()
	if self.conn != nil && self.conn.online() {
		self.Unlock()
		return nil
	}
	if remaining := time.Until(self.cooldownUntil); remaining > 0 {
		self.Unlock()
		self.log.Debugf("mqtt connect in cooldown for %.1fs", remaining.Seconds())
		return &CooldownError{Remaining: remaining}
	}
	if self.connecting {
		self.Unlock()
		return errors.Errorf("mqtt connect already in progress")
	}
	self.connecting = true
	self.closing = false
	self.Unlock()
	defer func() {
		self.Lock()
		self.connecting = false
		self.Unlock()
	}()

	info, err := self.src.MqttInfo(ctx)
	if err != nil {
		self.registerFailure("mqtt info")
		return errors.Annotate(err, "mqtt connect")
	}
	self.log.Debugf("mqtt info endpoint=%s thing_name=%s ca_present=%t cert_present=%t key_present=%t",
		info.Endpoint, info.ThingName, info.CaPem != "", info.CertificatePem != "", info.PrivateKeyPem != "")

	tlsConf, err := self.buildTLSConfig(info)
	if err != nil {
		self.registerFailure("tls config")
		return errors.Annotate(err, "mqtt connect")
	}

	thingName := info.ThingName
	if thingName == "" {
		thingName = "solix"
	}
	c, err := dialConn(connOptions{
		url:            fmt.Sprintf("ssl://%s:%d", info.Endpoint, brokerPort),
		tls:            tlsConf,
		clientID:       fmt.Sprintf("%s_%08x", thingName, self.rnd.Uint32()),
		keepalive:      self.cfg.KeepaliveSec,
		networkTimeout: self.cfg.ConnectTimeout,
		log:            self.log,
		onMessage:      self.handleMessage,
		onClose:        self.onConnClose,
	})
	if err != nil {
		self.registerFailure("connect error")
		return errors.Annotate(err, "mqtt connect")
	}

	self.Lock()
	self.info = info
	self.conn = c
	self.backoff.Reset()
	self.cooldownUntil = time.Time{}
	topics := make([]string, 0, len(self.subscriptions))
	for t := range self.subscriptions {
		topics = append(topics, t)
	}
	self.Unlock()

	self.log.Infof("mqtt connect ok endpoint=%s", info.Endpoint)
	if len(topics) > 0 {
		c.subscribe(topics...)
	}
	return nil
}

// Close shuts the session down without counting a connect failure.
func (self *Session) Close() {
	self.Lock()
	self.closing = true
	c := self.conn
	self.conn = nil
	self.info = nil
	self.backoff.Reset()
	self.cooldownUntil = time.Time{}
	self.subscriptions = make(map[string]struct{})
	self.telemetry = make(map[string]map[string]interface{})
	self.callback = nil
	self.Unlock()

	if c != nil {
		_ = c.die(nil)
	}
	self.alive.Stop()
	self.alive.Wait()
}

func (self *Session) onConnClose(err error) {
	self.Lock()
	deliberate := self.closing
	self.conn = nil
	self.Unlock()
	if deliberate {
		self.log.Debugf("mqtt connection closed")
		return
	}
	if err != nil {
		self.log.Errorf("mqtt connection closed err=%v", err)
	} else {
		self.log.Infof("mqtt connection closed by server")
	}
	self.registerFailure("disconnect")
}

// registerFailure grows the cooldown: 5s doubling to a 300s cap, plus
// 0..20% jitter so many clients do not reconnect in lockstep.
func (self *Session) registerFailure(reason string) {
	self.Lock()
	self.backoff.Failure()
	base := self.backoff.Current()
	var jitter time.Duration
	if base > 0 {
		jitter = time.Duration(self.rnd.Int63n(int64(base/5) + 1))
	}
	self.cooldownUntil = time.Now().Add(base + jitter)
	self.Unlock()
	self.log.Infof("mqtt connect failed (%s), cooldown %.1fs", reason, (base + jitter).Seconds())
}

// Subscribe requests a topic. Idempotent; queued for replay when offline.
func (self *Session) Subscribe(topic string) {
	if topic == "" {
		return
	}
	self.Lock()
	if _, ok := self.subscriptions[topic]; ok {
		self.Unlock()
		return
	}
	self.subscriptions[topic] = struct{}{}
	c := self.conn
	self.Unlock()

	if c != nil && c.online() {
		c.subscribe(topic)
	} else {
		self.log.Debugf("mqtt queued subscribe %s (not connected)", topic)
	}
}

func (self *Session) Unsubscribe(topic string) {
	if topic == "" {
		return
	}
	self.Lock()
	_, ok := self.subscriptions[topic]
	delete(self.subscriptions, topic)
	c := self.conn
	self.Unlock()

	if ok && c != nil && c.online() {
		c.unsubscribe(topic)
	}
}

func (self *Session) Subscriptions() []string {
	self.Lock()
	defer self.Unlock()
	out := make([]string, 0, len(self.subscriptions))
	for t := range self.subscriptions {
		out = append(out, t)
	}
	return out
}

// Telemetry returns a copy of the merged broker values for one device.
func (self *Session) Telemetry(sn string) map[string]interface{} {
	self.Lock()
	defer self.Unlock()
	out := make(map[string]interface{}, len(self.telemetry[sn]))
	for k, v := range self.telemetry[sn] {
		out[k] = v
	}
	return out
}

func (self *Session) TelemetryAll() map[string]map[string]interface{} {
	self.Lock()
	defer self.Unlock()
	out := make(map[string]map[string]interface{}, len(self.telemetry))
	for sn, values := range self.telemetry {
		m := make(map[string]interface{}, len(values))
		for k, v := range values {
			m[k] = v
		}
		out[sn] = m
	}
	return out
}
