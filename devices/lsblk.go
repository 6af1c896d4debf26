//
// devices - enumerates removable block devices eligible as write targets
//
// Copyright (c) 2024 vicrodh
//
package devices

// This program is free software: you can redistribute it and/or modify it
// under the terms of the GNU General Public License version 3, as published
// by the Free Software Foundation.
//
// This program is distributed in the hope that it will be useful, but
// WITHOUT ANY WARRANTY; without even the implied warranties of
// MERCHANTABILITY, SATISFACTORY QUALITY, or FITNESS FOR A PARTICULAR
// PURPOSE.  See the GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License along
// with this program.  If not, see <http://www.gnu.org/licenses/>.

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
)

// lsblkColumns keeps the -o list and the JSON keys in one place.
const lsblkColumns = "PATH,SIZE,RM,TYPE,TRAN,VENDOR,MODEL,SERIAL"

type lsblkReport struct {
	BlockDevices []lsblkDevice `json:"blockdevices"`
}

type lsblkDevice struct {
	Path      string `json:"path"`
	Size      int64  `json:"size"`
	Removable bool   `json:"rm"`
	Type      string `json:"type"`
	Tran      string `json:"tran"`
	Vendor    string `json:"vendor"`
	Model     string `json:"model"`
	Serial    string `json:"serial"`
}

// enumerateLsblk shells out to lsblk when no UDisks2 daemon answers, util
// on servers and containers without a system bus.
func enumerateLsblk(ctx context.Context) ([]Device, error) {
	out, err := exec.CommandContext(ctx, "lsblk", "-J", "-b", "-o", lsblkColumns).Output()
	if err != nil {
		return nil, fmt.Errorf("unable to run lsblk: %s", err)
	}

	return devicesFromLsblk(out)
}

func devicesFromLsblk(out []byte) ([]Device, error) {
	var report lsblkReport
	if err := json.Unmarshal(out, &report); err != nil {
		return nil, fmt.Errorf("unable to parse lsblk output: %s", err)
	}

	var devices []Device
	for _, d := range report.BlockDevices {
		if d.Type != "disk" {
			continue
		}

		devices = append(devices, Device{
			Path:      d.Path,
			Vendor:    strings.TrimSpace(d.Vendor),
			Model:     strings.TrimSpace(d.Model),
			Serial:    strings.TrimSpace(d.Serial),
			Size:      d.Size,
			Removable: d.Removable,
			Bus:       d.Tran,
		})
	}

	return devices, nil
}
