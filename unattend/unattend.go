//
// unattend - renders Windows setup automation that disables hardware gates
//
// Copyright (c) 2024 vicrodh
//
package unattend

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
	"bytes"
	"fmt"
	"sort"
	"strings"
)

// Architecture selects the processorArchitecture attribute of the rendered
// components.
type Architecture string

const (
	ArchX64   Architecture = "amd64"
	ArchX86   Architecture = "x86"
	ArchArm64 Architecture = "arm64"
)

// FileName is the name Windows setup probes for on removable media.
const FileName = "Autounattend.xml"

// LabConfigPath is the registry hive path setup consults for hardware
// requirement overrides during its early phase.
const LabConfigPath = `HKLM\SYSTEM\Setup\LabConfig`

// OOBEPath holds the out-of-box-experience overrides, the online account
// requirement among them.
const OOBEPath = `HKLM\SOFTWARE\Microsoft\Windows\CurrentVersion\OOBE`

// Spec names the installation checks to disable. The zero value disables
// nothing and renders no commands.
type Spec struct {
	TPM           bool
	SecureBoot    bool
	RAM           bool
	OnlineAccount bool
}

func (s Spec) Empty() bool {
	return !s.TPM && !s.SecureBoot && !s.RAM && !s.OnlineAccount
}

// hardwareKeys returns the LabConfig value names for the requested hardware
// bypasses, in the fixed order setup log output uses.
func (s Spec) hardwareKeys() []string {
	var keys []string
	if s.TPM {
		keys = append(keys, "BypassTPMCheck")
	}
	if s.SecureBoot {
		keys = append(keys, "BypassSecureBootCheck")
	}
	if s.RAM {
		keys = append(keys, "BypassRAMCheck")
	}
	return keys
}

// ParseFlags turns the comma separated CLI form ("tpm,secureboot,ram,
// online-account", or "all") into a Spec.
func ParseFlags(flags string) (Spec, error) {
	var spec Spec

	if flags == "" {
		return spec, nil
	}

	for _, flag := range strings.Split(flags, ",") {
		switch strings.TrimSpace(strings.ToLower(flag)) {
		case "tpm":
			spec.TPM = true
		case "secureboot", "secure-boot":
			spec.SecureBoot = true
		case "ram":
			spec.RAM = true
		case "online-account", "onlineaccount", "nro":
			spec.OnlineAccount = true
		case "all":
			spec = Spec{TPM: true, SecureBoot: true, RAM: true, OnlineAccount: true}
		case "":
		default:
			return Spec{}, fmt.Errorf("unknown bypass flag %q", flag)
		}
	}

	return spec, nil
}

// String lists the enabled bypasses for log output.
func (s Spec) String() string {
	var names []string
	if s.TPM {
		names = append(names, "tpm")
	}
	if s.SecureBoot {
		names = append(names, "secureboot")
	}
	if s.RAM {
		names = append(names, "ram")
	}
	if s.OnlineAccount {
		names = append(names, "online-account")
	}
	sort.Strings(names)
	return strings.Join(names, ",")
}

// Render produces the Autounattend.xml content for the spec. Output is
// deterministic: one registry assignment per requested bypass and nothing
// else.
func Render(arch Architecture, spec Spec) []byte {
	var buf bytes.Buffer

	buf.WriteString("<?xml version=\"1.0\" encoding=\"utf-8\"?>\n")
	buf.WriteString("<unattend xmlns=\"urn:schemas-microsoft-com:unattend\">\n")

	if spec.TPM || spec.SecureBoot || spec.RAM {
		writePESettings(&buf, arch, spec)
	}

	if spec.OnlineAccount {
		writeSpecializeSettings(&buf, arch)
	}

	buf.WriteString("</unattend>\n")

	return buf.Bytes()
}

func writePESettings(buf *bytes.Buffer, arch Architecture, spec Spec) {
	buf.WriteString("  <settings pass=\"windowsPE\">\n")
	writeComponentOpen(buf, "Microsoft-Windows-Setup", arch)
	buf.WriteString("      <UserData>\n")
	buf.WriteString("        <ProductKey><Key /></ProductKey>\n")
	buf.WriteString("      </UserData>\n")
	buf.WriteString("      <RunSynchronous>\n")

	for order, key := range spec.hardwareKeys() {
		writeRegAdd(buf, order+1, LabConfigPath, key)
	}

	buf.WriteString("      </RunSynchronous>\n")
	buf.WriteString("    </component>\n")
	buf.WriteString("  </settings>\n")
}

func writeSpecializeSettings(buf *bytes.Buffer, arch Architecture) {
	buf.WriteString("  <settings pass=\"specialize\">\n")
	writeComponentOpen(buf, "Microsoft-Windows-Deployment", arch)
	buf.WriteString("      <RunSynchronous>\n")
	writeRegAdd(buf, 1, OOBEPath, "BypassNRO")
	buf.WriteString("      </RunSynchronous>\n")
	buf.WriteString("    </component>\n")
	buf.WriteString("  </settings>\n")
}

func writeComponentOpen(buf *bytes.Buffer, name string, arch Architecture) {
	fmt.Fprintf(buf, "    <component name=%q processorArchitecture=%q language=\"neutral\""+
		" publicKeyToken=\"31bf3856ad364e35\" versionScope=\"nonSxS\""+
		" xmlns:wcm=\"http://schemas.microsoft.com/WMIConfig/2002/State\""+
		" xmlns:xsi=\"http://www.w3.org/2001/XMLSchema-instance\">\n", name, arch)
}

func writeRegAdd(buf *bytes.Buffer, order int, hive, key string) {
	buf.WriteString("        <RunSynchronousCommand wcm:action=\"add\">\n")
	fmt.Fprintf(buf, "          <Order>%d</Order>\n", order)
	fmt.Fprintf(buf, "          <Path>reg add %s /v %s /t REG_DWORD /d 1 /f</Path>\n", hive, key)
	buf.WriteString("        </RunSynchronousCommand>\n")
}
