package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solixapi/solix/log2"
)

func newTestCache(t testing.TB) *Cache {
	return New(log2.NewTest(t, log2.LDebug))
}

func TestUpdateDevice(t *testing.T) {
	t.Parallel()

	c := newTestCache(t)
	sn := c.UpdateDevice(Record{
		"device_sn":         "SN1",
		"device_pn":         "A17C1",
		"device_name":       "Balcony",
		"device_sw_version": "2.1.9",
		"wifi_online":       true,
		"ms_device_type":    float64(1),
		"battery_soc":       float64(85),
	}, "", "site-1", nil)
	require.Equal(t, "SN1", sn)

	d := c.Device("SN1")
	assert.Equal(t, "solarbank", d["type"])
	assert.Equal(t, 2, d["generation"])
	assert.Equal(t, "A17C1", d["device_pn"])
	assert.Equal(t, "site-1", d["site_id"])
	assert.Equal(t, "Balcony", d["name"])
	assert.Equal(t, "2.1.9", d["sw_version"])
	assert.Equal(t, true, d["wifi_online"])
	assert.Equal(t, true, d["is_admin"]) // ms_device_type 1
	assert.Equal(t, float64(85), d["battery_soc"])

	// second update merges, explicit type wins over the pn mapping
	c.UpdateDevice(Record{"device_sn": "SN1", "alias_name": "My Bank"}, "Solarbank", "", nil)
	d = c.Device("SN1")
	assert.Equal(t, "solarbank", d["type"])
	assert.Equal(t, "My Bank", d["alias"])
	assert.Equal(t, "Balcony", d["name"])
}

func TestUpdateDeviceNormalization(t *testing.T) {
	t.Parallel()

	c := newTestCache(t)
	admin := false
	c.UpdateDevice(Record{
		"device_sn":     "SN2",
		"product_code":  "A1722",
		"wifi_name":     "",
		"auto_upgrade":  "yes", // not a bool, coerced to false
		"ota_version":   float64(3),
		"wireless_type": float64(1),
	}, "", "", &admin)

	d := c.Device("SN2")
	assert.Equal(t, "pps", d["type"])
	assert.Nil(t, d["generation"])
	assert.Equal(t, false, d["is_admin"])
	assert.Equal(t, false, d["auto_upgrade"])
	assert.Equal(t, "3", d["ota_version"])
	assert.Equal(t, "1", d["wireless_type"])
	_, hasWifiName := d["wifi_name"]
	assert.False(t, hasWifiName)

	assert.Equal(t, "", c.UpdateDevice(Record{"device_pn": "A1722"}, "", "", nil))
}

func TestUpdateSite(t *testing.T) {
	t.Parallel()

	c := newTestCache(t)
	c.UpdateSite("site-1", Record{"site_name": "Home", "price": 0.3})
	c.UpdateSite("site-1", Record{"price": 0.25})

	s := c.Site("site-1")
	details := s["site_details"].(Record)
	assert.Equal(t, "Home", details["site_name"])
	assert.Equal(t, 0.25, details["price"])
}

func TestUpdateAccount(t *testing.T) {
	t.Parallel()

	c := newTestCache(t)
	st := AccountStatus{
		Email: "user@example.com", Nickname: "nick", Country: "DE",
		Server: "https://example", RequestsLastMinute: 2, RequestsLastHour: 10,
	}
	c.UpdateAccount(st, Record{"use_files": false})

	a := c.Account()
	assert.Equal(t, "account", a["type"])
	assert.Equal(t, "nick", a["nickname"])
	assert.Equal(t, 2, a["requests_last_min"])
	assert.Equal(t, false, a["mqtt_connection"])
	assert.Equal(t, false, a["use_files"])

	st.Nickname = "renamed"
	st.MqttConnected = true
	st.RequestsLastMinute = 5
	c.UpdateAccount(st, nil)
	a = c.Account()
	assert.Equal(t, "renamed", a["nickname"])
	assert.Equal(t, 5, a["requests_last_min"])
	assert.Equal(t, true, a["mqtt_connection"])
	assert.Equal(t, false, a["use_files"]) // merged details survive
}

func TestRecycleDevices(t *testing.T) {
	t.Parallel()

	c := newTestCache(t)
	c.UpdateDevice(Record{"device_sn": "KEEP"}, "", "", nil)
	c.UpdateDevice(Record{"device_sn": "DROP"}, "", "", nil)
	c.UpdateDevice(Record{"device_sn": "EXTRA"}, "", "", nil)
	c.AddSiteDevices("KEEP", "DROP")

	var dropNotified []Record
	c.RegisterDeviceCallback("DROP", func(d Record) { dropNotified = append(dropNotified, d) })

	// DROP is no longer active, EXTRA survives via the extra list
	c.RecycleDevices([]string{"EXTRA"}, []string{"KEEP"})

	assert.NotEmpty(t, c.Device("KEEP"))
	assert.NotEmpty(t, c.Device("EXTRA"))
	assert.Empty(t, c.Device("DROP"))
	require.Len(t, dropNotified, 1)
	assert.Empty(t, dropNotified[0])
	assert.ElementsMatch(t, []string{"KEEP"}, c.SiteDevices())
}

func TestRecycleSites(t *testing.T) {
	t.Parallel()

	c := newTestCache(t)
	c.UpdateSite("site-1", Record{"a": 1})
	c.UpdateSite("site-2", Record{"a": 2})

	c.RecycleSites(nil) // no-op without active list
	assert.Len(t, c.Sites(), 2)

	c.RecycleSites([]string{"site-2"})
	sites := c.Sites()
	assert.Len(t, sites, 1)
	assert.NotNil(t, sites["site-2"])
}

func TestMergeMqttTelemetry(t *testing.T) {
	t.Parallel()

	c := newTestCache(t)
	var notified int
	c.RegisterDeviceCallback("SN1", func(d Record) { notified++ })

	// telemetry before any cloud poll creates the record
	require.True(t, c.MergeMqttTelemetry("SN1", Record{"battery_soc": int64(85)}))
	require.True(t, c.MergeMqttTelemetry("SN1", Record{"output_power": int64(120), "battery_soc": int64(84)}))
	assert.False(t, c.MergeMqttTelemetry("SN1", nil))
	assert.False(t, c.MergeMqttTelemetry("", Record{"x": 1}))

	d := c.Device("SN1")
	data := d["mqtt_data"].(Record)
	assert.Equal(t, int64(84), data["battery_soc"])
	assert.Equal(t, int64(120), data["output_power"])
	assert.Equal(t, 2, notified)

	c.ClearMqttData()
	_, has := c.Device("SN1")["mqtt_data"]
	assert.False(t, has)
}

func TestCustomize(t *testing.T) {
	t.Parallel()

	c := newTestCache(t)
	c.UpdateSite("site-1", Record{"price": 0.3})
	c.Customize("site-1", "price_map", map[string]interface{}{"peak": 0.4})
	c.Customize("site-1", "price_map", map[string]interface{}{"offpeak": 0.2})

	custom := c.Site("site-1")["customized"].(Record)
	priceMap := custom["price_map"].(map[string]interface{})
	assert.Equal(t, 0.4, priceMap["peak"])
	assert.Equal(t, 0.2, priceMap["offpeak"])

	c.UpdateDevice(Record{"device_sn": "SN1"}, "", "", nil)
	var notified int
	c.RegisterDeviceCallback("SN1", func(Record) { notified++ })
	c.Customize("SN1", "max_load", 600)
	assert.Equal(t, 1, notified)
	assert.Equal(t, 600, c.Device("SN1")["customized"].(Record)["max_load"])
}

func TestClear(t *testing.T) {
	t.Parallel()

	c := newTestCache(t)
	c.UpdateAccount(AccountStatus{Email: "user@example.com", Nickname: "n"}, nil)
	c.UpdateSite("site-1", Record{"a": 1})
	c.UpdateDevice(Record{"device_sn": "SN1"}, "", "", nil)

	var notified int
	c.RegisterDeviceCallback("SN1", func(d Record) {
		notified++
		assert.Empty(t, d)
	})

	merged := c.Merged()
	assert.NotNil(t, merged["site-1"])
	assert.NotNil(t, merged["SN1"])
	assert.NotNil(t, merged["user@example.com"])

	c.Clear()
	assert.Equal(t, 1, notified)
	assert.Empty(t, c.Devices())
	assert.Empty(t, c.Sites())
	assert.Empty(t, c.Account())
}
