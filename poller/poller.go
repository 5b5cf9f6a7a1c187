// Package poller refreshes the device cache from the cloud REST API:
// site enumeration with scene merge, then lighter detail rounds.
package poller

import (
	"context"
	"math"
	"time"

	"github.com/juju/errors"

	"github.com/solixapi/solix/cache"
	"github.com/solixapi/solix/log2"
)

const (
	siteListEndpoint    = "power_service/v1/site/get_site_list"
	sceneInfoEndpoint   = "power_service/v1/site/get_scen_info"
	siteDetailEndpoint  = "power_service/v1/site/get_site_detail"
	sitePriceEndpoint   = "power_service/v1/site/get_site_price"
	bindDevicesEndpoint = "power_service/v1/app/get_relate_and_bind_devices"
)

// power_site_type ordinal to site type string.
var siteTypes = map[int]string{
	0:  "virtual",
	1:  "pps",
	2:  "solarbank",
	3:  "hes",
	4:  "powerpanel",
	5:  "solarbank",
	6:  "hes",
	7:  "hes",
	8:  "hes",
	9:  "hes",
	10: "solarbank",
	11: "solarbank",
	12: "solarbank",
	13: "solarbank_pps",
	14: "ev_charger",
	15: "solarbank_pps",
	16: "charger",
	17: "powerbank",
	18: "solarbank",
}

// scene block name -> list key -> device type
var sceneDeviceLists = []struct {
	block   string // empty = list at scene top level
	listKey string
	devType string
}{
	{"solarbank_info", "solarbank_list", "solarbank"},
	{"pps_info", "pps_list", "pps"},
	{"", "solar_list", "inverter"},
	{"grid_info", "grid_list", "smartmeter"},
	{"smart_plug_info", "smartplug_list", "smartplug"},
	{"", "powerpanel_list", "powerpanel"},
}

// Requester is the slice of the cloud session the poller consumes.
type Requester interface {
	Request(ctx context.Context, method, endpoint string, headers map[string]string, body map[string]interface{}) (map[string]interface{}, error)
}

type Poller struct {
	log    *log2.Log
	api    Requester
	cache  *cache.Cache
	status func() cache.AccountStatus
}

func New(api Requester, c *cache.Cache, status func() cache.AccountStatus, log *log2.Log) *Poller {
	if status == nil {
		status = func() cache.AccountStatus { return cache.AccountStatus{} }
	}
	return &Poller{log: log, api: api, cache: c, status: status}
}

// PollSites is the heavy refresh: site list, per-site scene merge, device
// enumeration from scene blocks, then cache GC against the active sets.
func (self *Poller) PollSites(ctx context.Context) error {
	start := time.Now()
	self.cache.ResetSiteDevices()

	response, err := self.api.Request(ctx, "POST", siteListEndpoint, nil, map[string]interface{}{})
	if err != nil {
		return errors.Annotate(err, "poll sites")
	}

	activeSites := make([]string, 0, 4)
	for _, item := range extractSiteList(response) {
		siteID := recordString(item, "site_id")
		if siteID == "" {
			continue
		}
		activeSites = append(activeSites, siteID)

		siteInfo := mergedSiteInfo(self.cache.Site(siteID), item)
		admin := asInt(siteInfo["ms_type"], 0) <= 1
		values := cache.Record{
			"site_info":  siteInfo,
			"type":       "system",
			"site_admin": admin,
		}
		siteType := ""
		if mapped, ok := siteTypes[asInt(siteInfo["power_site_type"], -1)]; ok {
			siteType = mapped
			values["site_type"] = mapped
		}
		self.cache.MergeSite(siteID, values)

		if siteType == "virtual" {
			continue
		}
		if err := self.pollScene(ctx, siteID, admin); err != nil {
			return err
		}
	}

	self.cache.RecycleSites(activeSites)
	self.cache.RecycleDevices(nil, self.cache.SiteDevices())
	self.cache.UpdateAccount(self.status(), cache.Record{
		"sites_poll_time":    start.UTC().Format("2006-01-02 15:04:05"),
		"sites_poll_seconds": roundMs(time.Since(start)),
	})
	self.log.Debugf("poll sites ok n=%d elapsed=%v", len(activeSites), time.Since(start))
	return nil
}

func (self *Poller) pollScene(ctx context.Context, siteID string, admin bool) error {
	response, err := self.api.Request(ctx, "POST", sceneInfoEndpoint, nil,
		map[string]interface{}{"site_id": siteID})
	if err != nil {
		return errors.Annotatef(err, "poll scene site=%s", siteID)
	}
	scene := extractPayloadMap(response)
	if len(scene) == 0 {
		return nil
	}
	self.cache.MergeSite(siteID, cache.Record(scene))

	for _, src := range sceneDeviceLists {
		container := scene
		if src.block != "" {
			block, _ := scene[src.block].(map[string]interface{})
			if block == nil {
				continue
			}
			container = block
		}
		for _, devData := range recordList(container[src.listKey]) {
			devData["site_id"] = siteID
			adminCopy := admin
			if sn := self.cache.UpdateDevice(devData, src.devType, siteID, &adminCopy); sn != "" {
				self.cache.AddSiteDevices(sn)
			}
		}
	}
	return nil
}

// PollSiteDetails refreshes per-site detail and price blocks for sites the
// account administers.
func (self *Poller) PollSiteDetails(ctx context.Context) error {
	start := time.Now()
	for siteID, site := range self.cache.Sites() {
		if isAdmin, _ := site["site_admin"].(bool); !isAdmin {
			continue
		}
		response, err := self.api.Request(ctx, "POST", siteDetailEndpoint, nil,
			map[string]interface{}{"site_id": siteID})
		if err != nil {
			return errors.Annotatef(err, "poll site detail site=%s", siteID)
		}
		if detail := extractPayloadMap(response); len(detail) > 0 {
			self.cache.UpdateSite(siteID, cache.Record(detail))
		}

		response, err = self.api.Request(ctx, "POST", sitePriceEndpoint, nil,
			map[string]interface{}{"site_id": siteID})
		if err != nil {
			return errors.Annotatef(err, "poll site price site=%s", siteID)
		}
		if price := extractPayload(response); price != nil {
			self.cache.UpdateSite(siteID, cache.Record{"site_price": price})
		}
	}
	self.cache.UpdateAccount(self.status(), cache.Record{
		"site_details_poll_time":    start.UTC().Format("2006-01-02 15:04:05"),
		"site_details_poll_seconds": roundMs(time.Since(start)),
	})
	return nil
}

// PollDeviceDetails merges the account's bound device list into the cache.
func (self *Poller) PollDeviceDetails(ctx context.Context) error {
	response, err := self.api.Request(ctx, "POST", bindDevicesEndpoint, nil, map[string]interface{}{})
	if err != nil {
		return errors.Annotate(err, "poll devices")
	}
	payload := extractPayloadMap(response)
	if payload == nil {
		payload = response
	}
	n := 0
	for _, devData := range recordList(payload["device_list"]) {
		if sn := self.cache.UpdateDevice(devData, "", "", nil); sn != "" {
			n++
		}
	}
	self.log.Debugf("poll devices ok n=%d", n)
	return nil
}

func extractSiteList(response map[string]interface{}) []cache.Record {
	if data, ok := response["data"].(map[string]interface{}); ok {
		if list := recordList(data["site_list"]); len(list) > 0 {
			return list
		}
	}
	return recordList(response["site_list"])
}

func extractPayload(response map[string]interface{}) interface{} {
	for _, key := range []string{"data", "payload", "result", "body"} {
		if v, ok := response[key]; ok && v != nil {
			return v
		}
	}
	return nil
}

func extractPayloadMap(response map[string]interface{}) map[string]interface{} {
	m, _ := extractPayload(response).(map[string]interface{})
	return m
}

func mergedSiteInfo(site cache.Record, item cache.Record) map[string]interface{} {
	out := make(map[string]interface{}, len(item))
	if site != nil {
		if prev, ok := site["site_info"].(map[string]interface{}); ok {
			for k, v := range prev {
				out[k] = v
			}
		}
	}
	for k, v := range item {
		out[k] = v
	}
	return out
}

func recordList(v interface{}) []cache.Record {
	list, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]cache.Record, 0, len(list))
	for _, item := range list {
		if m, ok := item.(map[string]interface{}); ok {
			out = append(out, cache.Record(m))
		}
	}
	return out
}

func roundMs(d time.Duration) float64 {
	return math.Round(d.Seconds()*1000) / 1000
}

func recordString(r cache.Record, key string) string {
	s, _ := r[key].(string)
	return s
}

func asInt(v interface{}, def int) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case float32:
		return int(n)
	}
	return def
}
