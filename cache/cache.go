// Package cache is the in-memory view of the account: sites, devices and
// account status, updated from cloud polls and MQTT telemetry. All entry
// points are serialized by one mutex, callers never hold references into
// the cache.
package cache

import (
	"fmt"
	"strings"
	"sync"

	"github.com/solixapi/solix/devmap"
	"github.com/solixapi/solix/log2"
)

type Record map[string]interface{}

// DeviceCallback observes one device record. An empty record means the
// device was removed.
type DeviceCallback func(device Record)

// AccountStatus is the always-refreshed part of the account record.
type AccountStatus struct {
	Email              string
	Nickname           string
	Country            string
	Server             string
	RequestsLastMinute int
	RequestsLastHour   int
	MqttConnected      bool
}

type Cache struct {
	sync.Mutex

	log             *log2.Log
	account         Record
	sites           map[string]Record
	devices         map[string]Record
	siteDevices     map[string]struct{}
	deviceCallbacks map[string][]DeviceCallback
}

func New(log *log2.Log) *Cache {
	return &Cache{
		log:             log,
		account:         Record{},
		sites:           make(map[string]Record),
		devices:         make(map[string]Record),
		siteDevices:     make(map[string]struct{}),
		deviceCallbacks: make(map[string][]DeviceCallback),
	}
}

func (self *Cache) RegisterDeviceCallback(sn string, cb DeviceCallback) {
	if sn == "" || cb == nil {
		return
	}
	self.Lock()
	self.deviceCallbacks[sn] = append(self.deviceCallbacks[sn], cb)
	self.Unlock()
}

func (self *Cache) NotifyDevice(sn string) {
	self.Lock()
	cbs := self.deviceCallbacks[sn]
	device := copyRecord(self.devices[sn])
	self.Unlock()
	for _, cb := range cbs {
		cb(device)
	}
}

// UpdateAccount merges details into the account record. The identity block
// is written on first update and whenever the nickname changes; request
// counts and MQTT status are refreshed on every call.
func (self *Cache) UpdateAccount(st AccountStatus, details Record) {
	self.Lock()
	defer self.Unlock()

	if len(self.account) == 0 || self.account["nickname"] != st.Nickname {
		self.account["type"] = "account"
		self.account["email"] = st.Email
		self.account["nickname"] = st.Nickname
		self.account["country"] = st.Country
		self.account["server"] = st.Server
	}
	for k, v := range details {
		self.account[k] = v
	}
	self.account["requests_last_min"] = st.RequestsLastMinute
	self.account["requests_last_hour"] = st.RequestsLastHour
	self.account["mqtt_connection"] = st.MqttConnected
}

// UpdateSite merges details into the site's site_details block.
func (self *Cache) UpdateSite(siteID string, details Record) {
	if siteID == "" {
		return
	}
	self.Lock()
	defer self.Unlock()

	site := self.sites[siteID]
	if site == nil {
		site = Record{}
		self.sites[siteID] = site
	}
	siteDetails, _ := site["site_details"].(Record)
	if siteDetails == nil {
		if m, ok := site["site_details"].(map[string]interface{}); ok {
			siteDetails = Record(m)
		} else {
			siteDetails = Record{}
		}
	}
	for k, v := range details {
		siteDetails[k] = v
	}
	site["site_details"] = siteDetails
}

// MergeSite merges values into the top level of the site record, creating
// it when absent. Poll results (site_info, scene blocks) land here;
// UpdateSite is for the site_details block.
func (self *Cache) MergeSite(siteID string, values Record) {
	if siteID == "" || len(values) == 0 {
		return
	}
	self.Lock()
	defer self.Unlock()

	site := self.sites[siteID]
	if site == nil {
		site = Record{}
		self.sites[siteID] = site
	}
	for k, v := range values {
		site[k] = v
	}
}

// UpdateDevice merges one cloud device description into the cache, keyed
// by device_sn. Product numbers are mapped to a device type and hardware
// generation; well-known keys are normalized on the way in. Returns the
// serial number, empty when devData carries none.
func (self *Cache) UpdateDevice(devData Record, devType, siteID string, isAdmin *bool) string {
	snValue, ok := devData["device_sn"]
	if !ok {
		return ""
	}
	sn := fmt.Sprint(snValue)
	if sn == "" {
		return ""
	}

	self.Lock()
	defer self.Unlock()

	device := self.devices[sn]
	if device == nil {
		device = Record{}
		self.devices[sn] = device
	}
	device["device_sn"] = sn

	if devType != "" {
		device["type"] = strings.ToLower(devType)
	}
	if siteID != "" {
		device["site_id"] = siteID
	}
	if isAdmin != nil {
		device["is_admin"] = *isAdmin
	} else if _, set := device["is_admin"]; !set {
		if v, ok := asInt(devData["ms_device_type"]); ok {
			device["is_admin"] = v == 0 || v == 1
		}
	}

	for key, value := range devData {
		switch key {
		case "product_code", "device_pn":
			pn := fmt.Sprint(value)
			if pn != "" {
				device["device_pn"] = pn
				if typeName, gen, ok := devmap.Category(pn); ok {
					if cur, _ := device["type"].(string); cur == "" {
						device["type"] = typeName
					}
					if gen > 0 {
						device["generation"] = gen
					}
				}
			}
			device[key] = value
		case "device_sw_version":
			if s, ok := value.(string); ok {
				device["sw_version"] = s
			}
		case "wifi_online", "auto_upgrade", "is_ota_update":
			b, _ := value.(bool)
			device[key] = b
		case "wireless_type", "ota_version":
			device[key] = fmt.Sprint(value)
		case "device_name":
			if name := fmt.Sprint(value); name != "" {
				device["name"] = name
			}
			device[key] = value
		case "alias_name":
			if alias := fmt.Sprint(value); alias != "" {
				device["alias"] = alias
			}
			device[key] = value
		case "wifi_name":
			if name := fmt.Sprint(value); name != "" {
				device[key] = name
			}
		default:
			device[key] = value
		}
	}
	return sn
}

// Customize records a user override under the record's customized block.
// id may be a site id, a device serial or the account email.
func (self *Cache) Customize(id, key string, value interface{}) {
	if id == "" || key == "" {
		return
	}
	self.Lock()
	if site, ok := self.sites[id]; ok {
		setCustomized(site, key, value, true)
		self.Unlock()
		return
	}
	if device, ok := self.devices[id]; ok {
		setCustomized(device, key, value, false)
		self.Unlock()
		self.NotifyDevice(id)
		return
	}
	if email, _ := self.account["email"].(string); email == id {
		setCustomized(self.account, key, value, false)
	}
	self.Unlock()
}

func setCustomized(r Record, key string, value interface{}, mergeDicts bool) {
	customized, _ := r["customized"].(Record)
	if customized == nil {
		customized = Record{}
	}
	if mergeDicts {
		if cur, ok := customized[key].(map[string]interface{}); ok {
			if add, ok := value.(map[string]interface{}); ok {
				merged := make(map[string]interface{}, len(cur)+len(add))
				for k, v := range cur {
					merged[k] = v
				}
				for k, v := range add {
					merged[k] = v
				}
				value = merged
			}
		}
	}
	customized[key] = value
	r["customized"] = customized
}

// site-device set tracking for recycling

func (self *Cache) ResetSiteDevices() {
	self.Lock()
	self.siteDevices = make(map[string]struct{})
	self.Unlock()
}

func (self *Cache) AddSiteDevices(sns ...string) {
	self.Lock()
	defer self.Unlock()
	for _, sn := range sns {
		if sn != "" {
			self.siteDevices[sn] = struct{}{}
		}
	}
}

func (self *Cache) SiteDevices() []string {
	self.Lock()
	defer self.Unlock()
	out := make([]string, 0, len(self.siteDevices))
	for sn := range self.siteDevices {
		out = append(out, sn)
	}
	return out
}

// RecycleDevices drops devices no longer part of any site. active (when
// non-empty) prunes the site-device set first; extra devices are kept
// regardless. Removed devices notify their callbacks with an empty record.
func (self *Cache) RecycleDevices(extra, active []string) {
	extraSet := toSet(extra)
	activeSet := toSet(active)

	var dropped []removedDevice
	self.Lock()
	if len(activeSet) > 0 {
		for sn := range self.siteDevices {
			if _, ok := activeSet[sn]; !ok {
				if _, ok = extraSet[sn]; !ok {
					delete(self.siteDevices, sn)
				}
			}
		}
	}
	for sn := range self.devices {
		if _, ok := self.siteDevices[sn]; ok {
			continue
		}
		if _, ok := extraSet[sn]; ok {
			continue
		}
		delete(self.devices, sn)
		dropped = append(dropped, removedDevice{sn, self.deviceCallbacks[sn]})
		delete(self.deviceCallbacks, sn)
	}
	self.Unlock()

	for _, d := range dropped {
		self.log.Debugf("cache recycled device sn=%s", d.sn)
		for _, cb := range d.cbs {
			cb(Record{})
		}
	}
}

type removedDevice struct {
	sn  string
	cbs []DeviceCallback
}

func (self *Cache) RecycleSites(active []string) {
	if len(active) == 0 {
		return
	}
	activeSet := toSet(active)
	self.Lock()
	defer self.Unlock()
	for id := range self.sites {
		if _, ok := activeSet[id]; !ok {
			delete(self.sites, id)
			self.log.Debugf("cache recycled site id=%s", id)
		}
	}
}

// MergeMqttTelemetry overlays decoded broker values onto the device's
// mqtt_data block and notifies its callbacks. Creates the device record
// when telemetry arrives before the cloud poll.
func (self *Cache) MergeMqttTelemetry(sn string, values Record) bool {
	if sn == "" || len(values) == 0 {
		return false
	}
	self.Lock()
	device := self.devices[sn]
	if device == nil {
		device = Record{"device_sn": sn}
		self.devices[sn] = device
	}
	existing, _ := device["mqtt_data"].(Record)
	if existing == nil {
		existing = Record{}
	}
	for k, v := range values {
		existing[k] = v
	}
	device["mqtt_data"] = existing
	self.Unlock()

	self.NotifyDevice(sn)
	return true
}

// ClearMqttData drops the mqtt_data blocks, keeping cloud state. Used when
// the broker session stops so stale telemetry does not linger.
func (self *Cache) ClearMqttData() {
	self.Lock()
	for _, device := range self.devices {
		delete(device, "mqtt_data")
	}
	self.Unlock()
}

// Clear wipes everything and notifies every registered callback with an
// empty record.
func (self *Cache) Clear() {
	self.Lock()
	callbacks := self.deviceCallbacks
	self.deviceCallbacks = make(map[string][]DeviceCallback)
	self.sites = make(map[string]Record)
	self.devices = make(map[string]Record)
	self.siteDevices = make(map[string]struct{})
	self.account = Record{}
	self.Unlock()

	for _, cbs := range callbacks {
		for _, cb := range cbs {
			cb(Record{})
		}
	}
}

// accessors return copies

func (self *Cache) Device(sn string) Record {
	self.Lock()
	defer self.Unlock()
	return copyRecord(self.devices[sn])
}

func (self *Cache) Devices() map[string]Record {
	self.Lock()
	defer self.Unlock()
	out := make(map[string]Record, len(self.devices))
	for sn, d := range self.devices {
		out[sn] = copyRecord(d)
	}
	return out
}

func (self *Cache) Site(id string) Record {
	self.Lock()
	defer self.Unlock()
	return copyRecord(self.sites[id])
}

func (self *Cache) Sites() map[string]Record {
	self.Lock()
	defer self.Unlock()
	out := make(map[string]Record, len(self.sites))
	for id, s := range self.sites {
		out[id] = copyRecord(s)
	}
	return out
}

func (self *Cache) Account() Record {
	self.Lock()
	defer self.Unlock()
	return copyRecord(self.account)
}

// Merged is the flat view: site records, device records and the account
// under its email key.
func (self *Cache) Merged() map[string]Record {
	self.Lock()
	defer self.Unlock()
	out := make(map[string]Record, len(self.sites)+len(self.devices)+1)
	for id, s := range self.sites {
		out[id] = copyRecord(s)
	}
	for sn, d := range self.devices {
		out[sn] = copyRecord(d)
	}
	if email, _ := self.account["email"].(string); email != "" {
		out[email] = copyRecord(self.account)
	}
	return out
}

func copyRecord(r Record) Record {
	if r == nil {
		return Record{}
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

func toSet(list []string) map[string]struct{} {
	out := make(map[string]struct{}, len(list))
	for _, s := range list {
		if s != "" {
			out[s] = struct{}{}
		}
	}
	return out
}

func asInt(v interface{}) (int, bool) {
	switch x := v.(type) {
	case int:
		return x, true
	case int64:
		return int(x), true
	case float64:
		return int(x), true
	}
	return 0, false
}
