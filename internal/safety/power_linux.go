//go:build linux

package safety

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const powerSupplyDir = "/sys/class/power_supply"

// probePower reads the kernel's power-supply class. A machine with no
// battery entries (desktop, server, VM) reports Known with OnBattery=false.
func probePower() PowerStatus {
	entries, err := os.ReadDir(powerSupplyDir)
	if err != nil {
		return PowerStatus{}
	}

	status := PowerStatus{Known: true, Percent: 100}
	for _, entry := range entries {
		dir := filepath.Join(powerSupplyDir, entry.Name())

		kind, err := os.ReadFile(filepath.Join(dir, "type"))
		if err != nil || strings.TrimSpace(string(kind)) != "Battery" {
			continue
		}

		if raw, err := os.ReadFile(filepath.Join(dir, "status")); err == nil {
			if strings.TrimSpace(string(raw)) == "Discharging" {
				status.OnBattery = true
			}
		}
		if raw, err := os.ReadFile(filepath.Join(dir, "capacity")); err == nil {
			if pct, err := strconv.Atoi(strings.TrimSpace(string(raw))); err == nil {
				status.Percent = pct
			}
		}
	}
	return status
}
