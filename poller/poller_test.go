package poller

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solixapi/solix/cache"
	"github.com/solixapi/solix/log2"
)

type fakeAPI struct {
	t         testing.TB
	responses map[string]string
	calls     []string
}

func (f *fakeAPI) Request(ctx context.Context, method, endpoint string, headers map[string]string, body map[string]interface{}) (map[string]interface{}, error) {
	f.calls = append(f.calls, endpoint)
	raw, ok := f.responses[endpoint]
	if !ok {
		return nil, errors.NotFoundf("unexpected endpoint %s", endpoint)
	}
	var response map[string]interface{}
	require.NoError(f.t, json.Unmarshal([]byte(raw), &response))
	return response, nil
}

func newTestPoller(t testing.TB, responses map[string]string) (*Poller, *cache.Cache, *fakeAPI) {
	log := log2.NewTest(t, log2.LDebug)
	c := cache.New(log)
	api := &fakeAPI{t: t, responses: responses}
	return New(api, c, nil, log), c, api
}

func TestPollSites(t *testing.T) {
	t.Parallel()

	p, c, api := newTestPoller(t, map[string]string{
		siteListEndpoint: `{"code":0,"data":{"site_list":[
			{"site_id":"site-1","site_name":"Home","power_site_type":2,"ms_type":1},
			{"site_id":"site-2","site_name":"Ghost","power_site_type":0}
		]}}`,
		sceneInfoEndpoint: `{"code":0,"data":{
			"home_info":{"home_name":"Home"},
			"solarbank_info":{"solarbank_list":[
				{"device_sn":"SB1","device_pn":"A17C1","device_name":"Balkon"}
			]},
			"solar_list":[{"device_sn":"INV1","device_pn":"A5140"}]
		}}`,
	})

	// stale device from a previous round must be recycled
	c.UpdateDevice(cache.Record{"device_sn": "OLD1"}, "solarbank", "site-1", nil)
	require.NotEmpty(t, c.Device("OLD1"))

	require.NoError(t, p.PollSites(context.Background()))

	// virtual site skips the scene request
	assert.Equal(t, []string{siteListEndpoint, sceneInfoEndpoint}, api.calls)

	site := c.Site("site-1")
	require.NotEmpty(t, site)
	assert.Equal(t, "system", site["type"])
	assert.Equal(t, "solarbank", site["site_type"])
	assert.Equal(t, true, site["site_admin"])
	info := site["site_info"].(map[string]interface{})
	assert.Equal(t, "Home", info["site_name"])
	_, hasScene := site["home_info"]
	assert.True(t, hasScene)

	ghost := c.Site("site-2")
	assert.Equal(t, "virtual", ghost["site_type"])

	sb := c.Device("SB1")
	require.NotEmpty(t, sb)
	assert.Equal(t, "solarbank", sb["type"])
	assert.Equal(t, "site-1", sb["site_id"])
	assert.Equal(t, true, sb["is_admin"])
	assert.Equal(t, "inverter", c.Device("INV1")["type"])

	assert.Empty(t, c.Device("OLD1"))
	assert.ElementsMatch(t, []string{"SB1", "INV1"}, c.SiteDevices())

	account := c.Account()
	assert.Contains(t, account, "sites_poll_time")
	assert.Contains(t, account, "sites_poll_seconds")
}

func TestPollSiteDetails(t *testing.T) {
	t.Parallel()

	p, c, api := newTestPoller(t, map[string]string{
		siteDetailEndpoint: `{"code":0,"data":{"site_price":1,"price_unit":"EUR"}}`,
		sitePriceEndpoint:  `{"code":0,"data":{"price":0.3,"site_co2":0}}`,
	})
	c.MergeSite("site-1", cache.Record{"site_admin": true})
	c.MergeSite("site-2", cache.Record{"site_admin": false})

	require.NoError(t, p.PollSiteDetails(context.Background()))

	// only the administered site is queried
	assert.Len(t, api.calls, 2)

	details := c.Site("site-1")["site_details"].(cache.Record)
	assert.Equal(t, "EUR", details["price_unit"])
	price := details["site_price"].(map[string]interface{})
	assert.Equal(t, 0.3, price["price"])

	assert.Nil(t, c.Site("site-2")["site_details"])
}

func TestPollDeviceDetails(t *testing.T) {
	t.Parallel()

	p, c, _ := newTestPoller(t, map[string]string{
		bindDevicesEndpoint: `{"code":0,"data":{"device_list":[
			{"device_sn":"SB1","device_pn":"A17C1","device_sw_version":"2.0.1"},
			{"no_sn":true}
		]}}`,
	})

	require.NoError(t, p.PollDeviceDetails(context.Background()))
	dev := c.Device("SB1")
	require.NotEmpty(t, dev)
	assert.Equal(t, "2.0.1", dev["sw_version"])
}

func TestPollSitesError(t *testing.T) {
	t.Parallel()

	p, _, _ := newTestPoller(t, nil)
	err := p.PollSites(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "poll sites")
}
