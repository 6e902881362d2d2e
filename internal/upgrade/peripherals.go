package upgrade

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/oriys/pulsar/internal/logging"
	"github.com/oriys/pulsar/internal/metrics"
	"github.com/oriys/pulsar/internal/pkg/fsutil"
	"github.com/oriys/pulsar/internal/transport"
	"github.com/oriys/pulsar/internal/xconf"
)

// downloadPeripherals fetches the offered peripheral firmware bundles. Only
// non-embedded images (os-release present) carry peripherals; entries
// already downloaded or superseded on the device are skipped. Failures are
// logged and never fail the upgrade cycle.
func (p *Pipeline) downloadPeripherals(ctx context.Context, spec *xconf.Spec) {
	if len(spec.PeripheralFirmwares) == 0 {
		return
	}
	if !fsutil.Exists(p.cfg.Device.OsReleaseFile) {
		logging.Op().Debug("embedded image, skipping peripheral firmwares")
		return
	}

	seen := readPeripheralLog(p.cfg.Download.PeripheralsFile)

	for _, entry := range spec.PeripheralFirmwares {
		entry = strings.TrimSpace(entry)
		name, ptype, version, ok := splitPeripheral(entry)
		if !ok {
			logging.Op().Warn("malformed peripheral entry", "entry", entry)
			continue
		}
		item := entry + ".tgz"
		if seen[item] {
			logging.Op().Debug("peripheral already downloaded", "entry", entry)
			continue
		}
		if hasNewerOrEqual(seen, name, ptype, version) {
			logging.Op().Debug("device already has equal-or-newer peripheral",
				"name", name, "type", ptype, "version", version)
			continue
		}

		url := strings.TrimSuffix(spec.CloudFWLocation, "/") + "/" + item
		sink := filepath.Join(p.cfg.Device.ImageDwlPath, item)

		res, err := p.exec.Execute(ctx, &transport.Job{
			URL:              url,
			FilePath:         sink,
			VerifyRevocation: p.cfg.Transport.VerifyRevocation,
			TraceTag:         "peripheral",
		})
		if err != nil || res.Failed() {
			metrics.Download("PERIPHERAL", "", "failed")
			logging.Op().Warn("peripheral download failed", "entry", entry)
			continue
		}
		metrics.Download("PERIPHERAL", "", "ok")
		appendPeripheralLog(p.cfg.Download.PeripheralsFile, item)
	}
}

// splitPeripheral parses "<name>_<type>_<version>".
func splitPeripheral(entry string) (name, ptype, version string, ok bool) {
	parts := strings.Split(entry, "_")
	if len(parts) < 3 {
		return "", "", "", false
	}
	version = parts[len(parts)-1]
	ptype = parts[len(parts)-2]
	name = strings.Join(parts[:len(parts)-2], "_")
	return name, ptype, version, name != "" && ptype != "" && version != ""
}

// hasNewerOrEqual scans already-downloaded items for the same peripheral at
// an equal-or-newer version.
func hasNewerOrEqual(seen map[string]bool, name, ptype, version string) bool {
	prefix := name + "_" + ptype + "_"
	for item := range seen {
		base := strings.TrimSuffix(item, ".tgz")
		if !strings.HasPrefix(base, prefix) {
			continue
		}
		if compareVersions(strings.TrimPrefix(base, prefix), version) >= 0 {
			return true
		}
	}
	return false
}

// compareVersions compares dotted numeric versions; non-numeric segments
// fall back to string comparison.
func compareVersions(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	for i := 0; i < len(as) && i < len(bs); i++ {
		an, aerr := strconv.Atoi(as[i])
		bn, berr := strconv.Atoi(bs[i])
		if aerr != nil || berr != nil {
			if c := strings.Compare(as[i], bs[i]); c != 0 {
				return c
			}
			continue
		}
		if an != bn {
			if an < bn {
				return -1
			}
			return 1
		}
	}
	return len(as) - len(bs)
}

// readPeripheralLog loads the append-only downloaded-items file. The file
// is never pruned by the daemon.
func readPeripheralLog(path string) map[string]bool {
	seen := map[string]bool{}
	f, err := os.Open(path)
	if err != nil {
		return seen
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		for _, item := range strings.Split(scanner.Text(), ",") {
			if item = strings.TrimSpace(item); item != "" {
				seen[item] = true
			}
		}
	}
	return seen
}

func appendPeripheralLog(path, item string) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		logging.Op().Warn("peripheral log open failed", "path", path, "error", err)
		return
	}
	defer f.Close()
	if _, err := f.WriteString(item + "\n"); err != nil {
		logging.Op().Warn("peripheral log append failed", "path", path, "error", err)
	}
}
