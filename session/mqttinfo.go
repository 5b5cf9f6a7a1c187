package session

import (
	"context"

	"github.com/juju/errors"
)

const mqttInfoEndpoint = "app/devicemanage/get_user_mqtt_info"

// MqttInfo holds per-account broker connection material. Certificates are
// rotated server-side, fetch a fresh copy before every connect attempt.
type MqttInfo struct {
	Endpoint       string
	AppName        string
	ThingName      string
	UserID         string
	CertificateID  string
	CertificatePem string
	PrivateKeyPem  string
	CaPem          string

	Raw map[string]interface{}
}

func (self *Session) MqttInfo(ctx context.Context) (*MqttInfo, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	self.Lock()
	defer self.Unlock()

	response, err := self.request(ctx, "POST", mqttInfoEndpoint, nil, nil)
	if err != nil {
		return nil, errors.Annotate(err, "mqtt info")
	}
	data, _ := response["data"].(map[string]interface{})
	if data == nil {
		return nil, errors.NotValidf("mqtt info missing data")
	}
	str := func(key string) string {
		s, _ := data[key].(string)
		return s
	}
	info := &MqttInfo{
		Endpoint:       str("endpoint_addr"),
		AppName:        str("app_name"),
		ThingName:      str("thing_name"),
		UserID:         str("user_id"),
		CertificateID:  str("certificate_id"),
		CertificatePem: str("certificate_pem"),
		PrivateKeyPem:  str("private_key"),
		CaPem:          str("aws_root_ca1_pem"),
		Raw:            data,
	}
	if info.Endpoint == "" {
		return nil, errors.NotValidf("mqtt info missing endpoint_addr")
	}
	return info, nil
}
