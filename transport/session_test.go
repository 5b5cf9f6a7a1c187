package transport

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"math/big"
	mrand "math/rand"
	"testing"
	"time"

	"github.com/256dpi/gomqtt/packet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/juju/errors"

	"github.com/solixapi/solix/helpers"
	"github.com/solixapi/solix/log2"
	"github.com/solixapi/solix/session"
)

type fakeSource struct {
	info  *session.MqttInfo
	err   error
	calls int
}

func (f *fakeSource) MqttInfo(ctx context.Context) (*session.MqttInfo, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.info, nil
}

func newTestTransport(t testing.TB, src InfoSource) *Session {
	return NewSession(src, Config{Rand: mrand.New(mrand.NewSource(1))}, log2.NewTest(t, log2.LDebug))
}

func TestConnectCooldown(t *testing.T) {
	t.Parallel()

	src := &fakeSource{err: errors.Errorf("boom")}
	s := newTestTransport(t, src)

	err := s.Connect(context.Background())
	require.Error(t, err)
	require.Equal(t, 1, src.calls)

	// second attempt refused without touching the API
	err = s.Connect(context.Background())
	require.Error(t, err)
	cooldown, ok := err.(*CooldownError)
	require.True(t, ok, "expected CooldownError, got %v", err)
	assert.True(t, cooldown.Remaining > 0)
	assert.True(t, cooldown.Remaining <= 6*time.Second) // 5s base + 20% jitter
	assert.Equal(t, 1, src.calls)
}

func TestCooldownGrowth(t *testing.T) {
	t.Parallel()

	s := newTestTransport(t, &fakeSource{})
	expectBase := []time.Duration{5, 10, 20, 40, 80, 160, 300, 300}
	for i, base := range expectBase {
		base *= time.Second
		s.registerFailure("test")
		wait := time.Until(s.cooldownUntil)
		assert.True(t, wait > base-time.Second, "failure=%d wait=%v base=%v", i+1, wait, base)
		assert.True(t, wait <= base+base/5, "failure=%d wait=%v base=%v", i+1, wait, base)
	}
}

func TestSubscribeQueue(t *testing.T) {
	t.Parallel()

	s := newTestTransport(t, &fakeSource{})
	s.Subscribe("dt/anker_power/A1722/SN1/#")
	s.Subscribe("dt/anker_power/A1722/SN1/#") // idempotent
	s.Subscribe("")
	assert.Len(t, s.Subscriptions(), 1)

	s.Unsubscribe("dt/anker_power/A1722/SN1/#")
	assert.Empty(t, s.Subscriptions())
}

func TestPublishOffline(t *testing.T) {
	t.Parallel()

	s := newTestTransport(t, &fakeSource{})
	err := s.Publish(map[string]interface{}{"device_sn": "SN1", "device_pn": "A1722"}, []byte{0xff})
	assert.NoError(t, err)
}

func TestTopicPrefix(t *testing.T) {
	t.Parallel()

	s := newTestTransport(t, &fakeSource{})
	device := map[string]interface{}{"device_sn": "SN1", "product_code": "A1722"}
	assert.Equal(t, "", s.TopicPrefix(device, false)) // no broker credentials yet

	s.info = &session.MqttInfo{AppName: "anker_power"}
	assert.Equal(t, "dt/anker_power/A1722/SN1/", s.TopicPrefix(device, false))
	assert.Equal(t, "cmd/anker_power/A1722/SN1/", s.TopicPrefix(device, true))
	assert.Equal(t, "", s.TopicPrefix(map[string]interface{}{"device_sn": "SN1"}, false))
}

func TestBuildEnvelope(t *testing.T) {
	t.Parallel()

	frame := []byte{0xff, 0x09, 0x0b, 0x00}
	b, err := buildEnvelope(envelopeParams{
		appName:  "anker_power",
		userID:   "user-1",
		certID:   "cert-1",
		devicePn: "A1722",
		deviceSn: "SN1",
		account:  "owner-1",
		frame:    frame,
		now:      time.Unix(1700000000, 0),
	})
	require.NoError(t, err)

	var msg map[string]interface{}
	require.NoError(t, json.Unmarshal(b, &msg))
	head := msg["head"].(map[string]interface{})
	assert.Equal(t, "1.0.0.1", head["version"])
	assert.Equal(t, "android-anker_power-user-1-cert-1", head["client_id"])
	assert.Equal(t, float64(1700000000), head["timestamp"])
	assert.Equal(t, float64(17), head["cmd"])
	assert.Equal(t, float64(2), head["cmd_status"])
	assert.Equal(t, "SN1", head["device_sn"])

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(msg["payload"].(string)), &payload))
	assert.Equal(t, "owner-1", payload["account_id"])
	assert.Equal(t, "SN1", payload["device_sn"])
	raw, err := base64.StdEncoding.DecodeString(payload["data"].(string))
	require.NoError(t, err)
	assert.Equal(t, frame, raw)
}

func telemetryPacket(fieldsHex string) []byte {
	raw := helpers.MustHex(fieldsHex)
	pkt := []byte{0xff, 0x09}
	total := 9 + len(raw) + 1
	pkt = append(pkt, byte(total), byte(total>>8))
	pkt = append(pkt, 0x03, 0x00, 0x0f, 0x04, 0x05)
	pkt = append(pkt, raw...)
	var sum byte
	for _, b := range pkt {
		sum ^= b
	}
	return append(pkt, sum)
}

func TestHandleMessageFrame(t *testing.T) {
	t.Parallel()

	s := newTestTransport(t, &fakeSource{})
	var gotTopic, gotModel, gotSn string
	var gotUpdate bool
	var gotDecoded interface{}
	s.SetMessageCallback(func(topic string, envelope map[string]interface{}, decoded interface{}, model, sn string, valueUpdate bool) {
		gotTopic, gotModel, gotSn = topic, model, sn
		gotDecoded, gotUpdate = decoded, valueUpdate
	})

	// A1722 telemetry: bb=battery_soc 85
	frame := telemetryPacket("bb020155")
	payload, err := json.Marshal(map[string]interface{}{
		"data": base64.StdEncoding.EncodeToString(frame),
	})
	require.NoError(t, err)
	envelope, err := json.Marshal(map[string]interface{}{
		"head":    map[string]interface{}{"version": "1.0.0.1"},
		"payload": string(payload),
	})
	require.NoError(t, err)

	s.handleMessage(&packet.Message{
		Topic:   "dt/anker_power/A1722/SN1/param_info",
		Payload: envelope,
	})

	assert.Equal(t, "dt/anker_power/A1722/SN1/param_info", gotTopic)
	assert.Equal(t, "A1722", gotModel) // from topic segment
	assert.Equal(t, "SN1", gotSn)
	assert.True(t, gotUpdate)
	values := gotDecoded.(map[string]interface{})
	assert.Equal(t, int64(0x55), values["battery_soc"])

	buffered := s.Telemetry("SN1")
	assert.Equal(t, int64(0x55), buffered["battery_soc"])
	assert.NotEmpty(t, buffered["last_message"])
}

func TestHandleMessageInlineJSON(t *testing.T) {
	t.Parallel()

	s := newTestTransport(t, &fakeSource{})
	payload, err := json.Marshal(map[string]interface{}{
		"pn":   "A1728",
		"sn":   "SN9",
		"data": `{"battery_soc":42}`,
	})
	require.NoError(t, err)
	envelope, err := json.Marshal(map[string]interface{}{"payload": string(payload)})
	require.NoError(t, err)

	s.handleMessage(&packet.Message{Topic: "dt/x/y/z/w", Payload: envelope})

	buffered := s.Telemetry("SN9")
	assert.Equal(t, float64(42), buffered["battery_soc"])

	all := s.TelemetryAll()
	require.Contains(t, all, "SN9")
}

func TestHandleMessageTrans(t *testing.T) {
	t.Parallel()

	s := newTestTransport(t, &fakeSource{})
	var gotDecoded interface{}
	var gotUpdate bool
	s.SetMessageCallback(func(_ string, _ map[string]interface{}, decoded interface{}, _, _ string, valueUpdate bool) {
		gotDecoded, gotUpdate = decoded, valueUpdate
	})

	payload, err := json.Marshal(map[string]interface{}{"sn": "SN1", "trans": "command accepted"})
	require.NoError(t, err)
	envelope, err := json.Marshal(map[string]interface{}{"payload": string(payload)})
	require.NoError(t, err)

	s.handleMessage(&packet.Message{Topic: "dt/a/b/c", Payload: envelope})
	assert.Equal(t, "command accepted", gotDecoded)
	assert.False(t, gotUpdate)
	assert.Empty(t, s.Telemetry("SN1"))
}

func selfSignedPem(t testing.TB) (certPem, keyPem string) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "mqtt.example.com"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		IsCA:         true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	require.NoError(t, err)
	keyDer, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	certPem = string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))
	keyPem = string(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDer}))
	return certPem, keyPem
}

func TestBuildTLSConfig(t *testing.T) {
	t.Parallel()

	certPem, keyPem := selfSignedPem(t)
	info := &session.MqttInfo{
		Endpoint:       "mqtt.example.com",
		CaPem:          certPem,
		CertificatePem: certPem,
		PrivateKeyPem:  keyPem,
	}

	s := newTestTransport(t, &fakeSource{})
	conf, err := s.buildTLSConfig(info)
	require.NoError(t, err)
	assert.Equal(t, "mqtt.example.com", conf.ServerName)
	assert.NotNil(t, conf.RootCAs)
	assert.Len(t, conf.Certificates, 1)

	// system trust mode leaves the pool to the OS
	s.cfg.TrustMode = TrustModeSystemCa
	conf, err = s.buildTLSConfig(info)
	require.NoError(t, err)
	assert.Nil(t, conf.RootCAs)

	// missing client identity is tolerated
	s.cfg.TrustMode = TrustModeAPICa
	conf, err = s.buildTLSConfig(&session.MqttInfo{Endpoint: "mqtt.example.com", CaPem: certPem})
	require.NoError(t, err)
	assert.Empty(t, conf.Certificates)

	// garbage CA bundle is an error
	_, err = s.buildTLSConfig(&session.MqttInfo{Endpoint: "x", CaPem: "not pem"})
	assert.Error(t, err)
}

func TestBuildTLSConfigIntermediates(t *testing.T) {
	t.Parallel()

	certPem, keyPem := selfSignedPem(t)
	interPem, _ := selfSignedPem(t)

	s := newTestTransport(t, &fakeSource{})
	s.cfg.IntermediatesPem = interPem + "\n-----BEGIN GARBAGE-----\nZm9v\n-----END GARBAGE-----\n"
	conf, err := s.buildTLSConfig(&session.MqttInfo{
		Endpoint:       "mqtt.example.com",
		CaPem:          certPem,
		CertificatePem: certPem,
		PrivateKeyPem:  keyPem,
	})
	require.NoError(t, err)
	require.Len(t, conf.Certificates, 1)
	assert.Len(t, conf.Certificates[0].Certificate, 2)
}
