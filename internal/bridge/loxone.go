package bridge

// FlattenLoxone returns the flat numeric view of rt used by Loxone virtual
// inputs. Keys are ASCII only and absent values are omitted.
//
// sh_battery_soc_pct reads battery_level_soc and falls back to
// energy_storage_soc_ems only when the former is absent or non-numeric. A
// reported 0 (an empty battery) is kept as 0 rather than treated as missing,
// unlike older bridges that fell back on any falsy value.
func FlattenLoxone(rt Realtime) map[string]any {
	sg, sh := rt.Plants.SG, rt.Plants.SH
	out := map[string]any{"ts": rt.TimestampUnix}

	put := func(key string, v *float64) {
		if v != nil {
			out[key] = *v
		}
	}
	put("sg_power_w", sg.PowerW)
	put("sg_daily_yield_wh", sg.DailyYieldWh)
	put("sg_total_yield_wh", sg.TotalYieldWh)
	put("sg_inverter_ac_power_w", sg.InverterACPowerW)

	put("sh_power_w", sh.PowerW)
	put("sh_daily_yield_wh", sh.DailyYieldWh)
	put("sh_total_yield_wh", sh.TotalYieldWh)
	put("sh_load_power_w", rawNumber(sh.Raw, "load_power"))

	soc := rawNumber(sh.Raw, "battery_level_soc")
	if soc == nil {
		soc = rawNumber(sh.Raw, "energy_storage_soc_ems")
	}
	put("sh_battery_soc_pct", soc)
	return out
}

func rawNumber(raw map[string]map[string]any, field string) *float64 {
	container, ok := raw[field]
	if !ok {
		return nil
	}
	f, ok := numeric(container["value"])
	if !ok {
		return nil
	}
	return &f
}
