package transport

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/256dpi/gomqtt/packet"
	"github.com/juju/errors"

	"github.com/solixapi/solix/devmap"
	"github.com/solixapi/solix/hexframe"
)

const envelopeVersion = "1.0.0.1"

// TopicPrefix builds "dt/{app}/{pn}/{sn}/" for telemetry or
// "cmd/{app}/{pn}/{sn}/" for commands from a cached device record.
func (self *Session) TopicPrefix(device map[string]interface{}, publish bool) string {
	sn := recordString(device, "device_sn")
	pn := recordString(device, "device_pn")
	if pn == "" {
		pn = recordString(device, "product_code")
	}
	if sn == "" || pn == "" {
		return ""
	}
	self.Lock()
	app := ""
	if self.info != nil {
		app = self.info.AppName
	}
	self.Unlock()
	// app name comes with the broker credentials, no topics before first connect
	if app == "" {
		return ""
	}
	direction := "dt"
	if publish {
		direction = "cmd"
	}
	return fmt.Sprintf("%s/%s/%s/%s/", direction, app, pn, sn)
}

// Publish wraps a command frame in the vendor envelope and sends it to the
// device's request topic. A logged no-op when the session is offline.
func (self *Session) Publish(device map[string]interface{}, frame []byte) error {
	self.Lock()
	c := self.conn
	info := self.info
	self.Unlock()
	if c == nil || !c.online() || info == nil {
		self.log.Infof("mqtt publish skipped (not connected)")
		return nil
	}

	topic := self.TopicPrefix(device, true) + "req"
	if strings.HasPrefix(topic, "req") {
		return errors.NotValidf("publish device record missing sn or pn")
	}

	owner := recordString(device, "owner_user_id")
	if owner == "" {
		owner = info.UserID
	}
	message, err := buildEnvelope(envelopeParams{
		appName:  info.AppName,
		userID:   info.UserID,
		certID:   info.CertificateID,
		devicePn: recordString(device, "device_pn"),
		deviceSn: recordString(device, "device_sn"),
		account:  owner,
		frame:    frame,
		now:      time.Now(),
	})
	if err != nil {
		return errors.Annotate(err, "mqtt publish")
	}

	self.log.Debugf("mqtt publish topic=%s", topic)
	return c.publish(topic, message)
}

type envelopeParams struct {
	appName  string
	userID   string
	certID   string
	devicePn string
	deviceSn string
	account  string
	frame    []byte
	now      time.Time
}

func buildEnvelope(p envelopeParams) ([]byte, error) {
	head := map[string]interface{}{
		"version":    envelopeVersion,
		"client_id":  fmt.Sprintf("android-%s-%s-%s", p.appName, p.userID, p.certID),
		"sess_id":    "1234-5678",
		"msg_seq":    1,
		"seed":       1,
		"timestamp":  p.now.Unix(),
		"cmd_status": 2,
		"cmd":        17,
		"sign_code":  1,
		"device_pn":  p.devicePn,
		"device_sn":  p.deviceSn,
	}
	payload := map[string]interface{}{
		"account_id": p.account,
		"device_sn":  p.deviceSn,
		"data":       base64.StdEncoding.EncodeToString(p.frame),
	}
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return json.Marshal(map[string]interface{}{
		"head":    head,
		"payload": string(payloadBytes),
	})
}

// handleMessage decodes one inbound broker message: JSON envelope with a
// nested payload string whose data is a base64 binary frame, an inline
// JSON object or a plain string. Frames run through the model's descriptor
// table; decoded values merge into the per-device telemetry buffer.
func (self *Session) handleMessage(msg *packet.Message) {
	var envelope map[string]interface{}
	if err := json.Unmarshal(msg.Payload, &envelope); err != nil {
		self.log.Errorf("mqtt failed to decode publish topic=%s err=%v", msg.Topic, err)
		return
	}

	payloadString, _ := envelope["payload"].(string)
	if payloadString == "" {
		payloadString = "{}"
	}
	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(payloadString), &payload); err != nil {
		payload = map[string]interface{}{}
	}

	segments := strings.Split(msg.Topic, "/")
	model, _ := payload["pn"].(string)
	if model == "" && len(segments) > 2 {
		model = segments[2]
	}
	sn, _ := payload["sn"].(string)
	if sn == "" && len(segments) > 3 {
		sn = segments[3]
	}

	var decoded interface{}
	valueUpdate := false

	switch data := payload["data"].(type) {
	case string:
		if frameBytes, err := base64.StdEncoding.DecodeString(data); err == nil {
			frame := hexframe.Decode(frameBytes, model)
			values := devmap.ExpandValues(self.cfg.Tables, frame)
			decoded = values
			valueUpdate = self.mergeTelemetry(sn, values)
		} else if obj := tryJSONObject(data); obj != nil {
			decoded = obj
			valueUpdate = self.mergeTelemetry(sn, obj)
		} else {
			decoded = data
		}

	case map[string]interface{}:
		decoded = data
		valueUpdate = self.mergeTelemetry(sn, data)

	default:
		if trans, ok := payload["trans"].(string); ok {
			decoded = trans
		} else {
			decoded = payload
		}
	}

	self.Lock()
	cb := self.callback
	self.Unlock()
	if cb != nil {
		cb(msg.Topic, envelope, decoded, model, sn, valueUpdate)
	} else {
		self.log.Debugf("mqtt received publish topic=%s bytes=%d", msg.Topic, len(msg.Payload))
	}
}

func (self *Session) mergeTelemetry(sn string, values map[string]interface{}) bool {
	if sn == "" || len(values) == 0 {
		return false
	}
	self.Lock()
	defer self.Unlock()
	existing := self.telemetry[sn]
	if existing == nil {
		existing = make(map[string]interface{}, len(values)+1)
		self.telemetry[sn] = existing
	}
	for k, v := range values {
		existing[k] = v
	}
	existing["last_message"] = time.Now().Format(time.RFC3339)
	return true
}

func tryJSONObject(s string) map[string]interface{} {
	var obj map[string]interface{}
	if err := json.Unmarshal([]byte(s), &obj); err != nil {
		return nil
	}
	return obj
}

func recordString(r map[string]interface{}, key string) string {
	v, ok := r[key]
	if !ok || v == nil {
		return ""
	}
	return fmt.Sprint(v)
}
