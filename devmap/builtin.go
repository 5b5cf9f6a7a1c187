package devmap

import (
	"github.com/solixapi/solix/hexframe"
)

func typ(t hexframe.Type) *uint8 { b := uint8(t); return &b }
func f64(v float64) *float64     { return &v }
func flag(v bool) *bool          { return &v }

func field(name string) *Descriptor {
	return &Descriptor{Desc: hexframe.Desc{Name: name}}
}

func typedField(name string, t hexframe.Type) *Descriptor {
	return &Descriptor{Desc: hexframe.Desc{Name: name}, Type: typ(t)}
}

func onOff() *hexframe.Options {
	return &hexframe.Options{Named: map[string]interface{}{"off": 0, "on": 1}}
}

// telemetry block of the A1722 power station family
func pps0405Gen1() *Block {
	return &Block{
		Topic: "param_info",
		Fields: map[string]*Descriptor{
			"a4": {Desc: hexframe.Desc{Name: "remaining_time_hours", Signed: flag(false)}, Factor: 0.1},
			"a7": field("usbc_1_power"),
			"a8": field("usbc_2_power"),
			"a9": field("usbc_3_power"),
			"aa": field("usba_1_power"),
			"ac": field("dc_input_power_total"),
			"ad": field("ac_input_power_total"),
			"ae": field("ac_output_power_total"),
			"b7": field("ac_output_power_switch"),
			"b8": field("dc_charging_status"),
			"b9": {Desc: hexframe.Desc{Name: "temperature", Signed: flag(true)}},
			"ba": field("charging_status"),
			"bb": field("battery_soc"),
			"bc": field("battery_soh"),
			"c1": field("dc_output_power_switch"),
			"c5": field("device_sn"),
			"cf": field("display_mode"),
			"fe": field("msg_timestamp"),
		},
	}
}

// telemetry block of the A1728 power station family
func pps0405Gen2() *Block {
	return &Block{
		Topic: "param_info",
		Fields: map[string]*Descriptor{
			"a3": {Desc: hexframe.Desc{Name: "remaining_time_hours", Signed: flag(false)}, Factor: 0.1},
			"a4": field("usbc_1_power"),
			"a5": field("usbc_2_power"),
			"a6": field("usbc_3_power"),
			"a7": field("usbc_4_power"),
			"a8": field("usba_1_power"),
			"a9": field("usba_2_power"),
			"aa": field("dc_input_power"),
			"ab": field("photovoltaic_power"),
			"ac": field("dc_input_power_total"),
			"ad": field("output_power_total"),
			"b5": {Desc: hexframe.Desc{Name: "temperature", Signed: flag(true)}},
			"b6": field("charging_status"),
			"b7": field("battery_soc"),
			"b8": field("battery_soh"),
			"b9": field("usbc_1_status"),
			"ba": field("usbc_2_status"),
			"bb": field("usbc_3_status"),
			"bc": field("usbc_4_status"),
			"bd": field("usba_1_status"),
			"be": field("usba_2_status"),
			"bf": field("light_switch"),
			"c4": field("dc_output_timeout_seconds"),
			"c5": field("display_timeout_seconds"),
			"c8": field("display_mode"),
			"fe": field("msg_timestamp"),
		},
	}
}

// hardware/software version report
func ppsVersions0830() *Block {
	return &Block{
		Topic: "param_info",
		Fields: map[string]*Descriptor{
			"a1": typedField("hw_version", hexframe.TypeStr),
			"a2": typedField("sw_version", hexframe.TypeStr),
		},
	}
}

func cmdBase(name string, extra map[string]*Descriptor) *Block {
	fields := map[string]*Descriptor{
		"a1": field("pattern_22"),
		"fe": typedField("msg_timestamp", hexframe.TypeVar),
	}
	for k, v := range extra {
		fields[k] = v
	}
	return &Block{Topic: "req", CommandName: name, Fields: fields}
}

func ppsCommands() map[string]*Block {
	return map[string]*Block{
		"0040": cmdBase("status_request", nil),
		"0057": cmdBase("realtime_trigger", map[string]*Descriptor{
			"a2": {
				Desc: hexframe.Desc{Name: "set_realtime_trigger", Options: onOff(), Default: 1},
				Type: typ(hexframe.TypeUi),
			},
			"a3": {
				Desc: hexframe.Desc{Name: "trigger_timeout_sec", Min: f64(60), Max: f64(600), Default: 60},
				Type: typ(hexframe.TypeVar),
			},
		}),
		"0051": cmdBase("temp_unit_switch", map[string]*Descriptor{
			"a2": {
				Desc: hexframe.Desc{
					Name: "set_temp_unit_fahrenheit",
					Options: &hexframe.Options{
						Named: map[string]interface{}{"celsius": 0, "fahrenheit": 1},
					},
				},
				Type:      typ(hexframe.TypeUi),
				StateName: "temp_unit_fahrenheit",
			},
		}),
		"0052": cmdBase("device_max_load", map[string]*Descriptor{
			"a2": {
				Desc:      hexframe.Desc{Name: "set_device_max_load"},
				Type:      typ(hexframe.TypeSile),
				StateName: "max_load",
			},
		}),
		"0053": cmdBase("device_timeout_minutes", map[string]*Descriptor{
			"a2": {
				Desc: hexframe.Desc{
					Name: "set_device_timeout_min",
					Options: &hexframe.Options{
						List: []interface{}{0, 30, 60, 120, 240, 360, 720, 1440},
					},
				},
				Type:      typ(hexframe.TypeSile),
				StateName: "device_timeout_minutes",
			},
		}),
		"0054": cmdBase("ac_charge_switch", map[string]*Descriptor{
			"a2": {
				Desc:      hexframe.Desc{Name: "set_ac_charge_switch", Options: onOff()},
				Type:      typ(hexframe.TypeUi),
				StateName: "backup_charge_switch",
			},
		}),
		"0055": cmdBase("ac_charge_limit", map[string]*Descriptor{
			"a2": {
				Desc:      hexframe.Desc{Name: "set_ac_input_limit"},
				Type:      typ(hexframe.TypeSile),
				StateName: "ac_input_limit",
			},
		}),
		"0056": cmdBase("ac_output_switch", map[string]*Descriptor{
			"a2": {
				Desc:      hexframe.Desc{Name: "set_ac_output_switch", Options: onOff()},
				Type:      typ(hexframe.TypeUi),
				StateName: "ac_output_power_switch",
			},
		}),
		"0058": cmdBase("dc_output_switch", map[string]*Descriptor{
			"a2": {
				Desc:      hexframe.Desc{Name: "set_dc_output_switch", Options: onOff()},
				Type:      typ(hexframe.TypeUi),
				StateName: "dc_output_power_switch",
			},
		}),
		"0059": cmdBase("display_mode_select", map[string]*Descriptor{
			"a2": {
				Desc: hexframe.Desc{
					Name: "set_display_mode",
					Options: &hexframe.Options{
						Named: map[string]interface{}{"off": 0, "low": 1, "medium": 2, "high": 3},
					},
				},
				Type:      typ(hexframe.TypeUi),
				StateName: "display_mode",
			},
		}),
		"005a": cmdBase("display_timeout_seconds", map[string]*Descriptor{
			"a2": {
				Desc: hexframe.Desc{
					Name:    "set_display_timeout_sec",
					Options: &hexframe.Options{List: []interface{}{20, 30, 60, 300, 1800}},
				},
				Type:      typ(hexframe.TypeSile),
				StateName: "display_timeout_seconds",
			},
		}),
		"005b": cmdBase("soc_limits", map[string]*Descriptor{
			"aa": {
				Desc: hexframe.Desc{
					Name:    "set_max_soc",
					Options: &hexframe.Options{List: []interface{}{80, 85, 90, 95, 100}},
				},
				Type:      typ(hexframe.TypeUi),
				StateName: "max_soc",
			},
			"ab": {
				Desc: hexframe.Desc{
					Name:    "set_min_soc",
					Options: &hexframe.Options{List: []interface{}{1, 5, 10, 15, 20}},
				},
				Type:      typ(hexframe.TypeUi),
				StateName: "power_cutoff",
			},
		}),
		"005c": cmdBase("sb_power_cutoff_select", map[string]*Descriptor{
			"a2": {
				Desc: hexframe.Desc{
					Name:    "set_output_cutoff_data",
					Options: &hexframe.Options{List: []interface{}{5, 10}},
				},
				Type:      typ(hexframe.TypeUi),
				StateName: "output_cutoff_data",
			},
			"a3": {
				Desc: hexframe.Desc{
					Name:    "set_lowpower_input_data",
					Options: &hexframe.Options{Named: map[string]interface{}{"5": 4, "10": 5}},
				},
				Type:      typ(hexframe.TypeUi),
				StateName: "lowpower_input_data",
				Follows:   "set_output_cutoff_data",
			},
			"a4": {
				Desc: hexframe.Desc{
					Name:    "set_input_cutoff_data",
					Options: &hexframe.Options{Named: map[string]interface{}{"5": 5, "10": 10}},
				},
				Type:      typ(hexframe.TypeUi),
				StateName: "input_cutoff_data",
				Follows:   "set_output_cutoff_data",
			},
		}),
	}
}

var gen1Models = []string{
	"A1722", "A1723", "A1725", "A1726", "A1727", "A1729",
	"A1753", "A1754", "A1755", "A1761", "A1762", "A1763", "A1765",
	"A1770", "A1771", "A1772",
}

var gen2Models = []string{
	"A1728", "A1780", "A1780P", "A1781", "A1782", "A1783", "A1790", "A1790P",
}

var builtinTable = buildBuiltin()

// Builtin returns the compiled-in fallback table. The table is shared and
// must be treated as read-only.
func Builtin() Table { return builtinTable }

func buildBuiltin() Table {
	t := make(Table, len(gen1Models)+len(gen2Models))
	g1, g2, vers := pps0405Gen1(), pps0405Gen2(), ppsVersions0830()
	cmds := ppsCommands()

	add := func(models []string, telemetry *Block) {
		for _, model := range models {
			blocks := make(map[string]*Block, len(cmds)+2)
			blocks["0405"] = telemetry
			blocks["0830"] = vers
			for msgtype, block := range cmds {
				blocks[msgtype] = block
			}
			t[model] = blocks
		}
	}
	add(gen1Models, g1)
	add(gen2Models, g2)
	return t
}
