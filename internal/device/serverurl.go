package device

import (
	"os"
	"strings"

	"github.com/oriys/pulsar/internal/logging"
	"github.com/oriys/pulsar/internal/rfc"
)

const xconfPath = "/xconf/swu/stb"

// GetServerURL selects the cloud endpoint for the next query. The empty
// string means no endpoint is resolvable and the caller must refuse to
// proceed.
func (f *Facade) GetServerURL() string {
	settings := f.GetRfc()

	if f.red != nil && f.red.Active() {
		return f.recoveryURL(settings)
	}

	nonProd := f.info.BuildType != BuildProd && f.info.BuildType != BuildUnknown

	if nonProd {
		if url := f.readOverrideFile(); url != "" {
			logging.Op().Info("using local override server url", "url", url)
			return url
		}
		if settings.AutoExcluded {
			if url := f.rfcValue(rfc.KeyAutoExcludeURL); url != "" {
				return url
			}
		}
	}

	if bootstrap := f.rfcValue(rfc.KeyBootstrapURL); bootstrap != "" {
		return strings.TrimSuffix(bootstrap, "/") + xconfPath
	}

	if f.info.BuildType == BuildQa && f.cfg.Xconf.DevXconfURL != "" {
		return f.cfg.Xconf.DevXconfURL
	}

	if f.cfg.Xconf.XconfHost != "" {
		return "https://" + f.cfg.Xconf.XconfHost + xconfPath + "/"
	}

	logging.Op().Error("no cloud server url resolvable")
	return ""
}

// recoveryURL picks the endpoint while in state-red recovery.
func (f *Facade) recoveryURL(settings RfcSettings) string {
	debugBuild := f.info.BuildType == BuildDev || f.info.BuildType == BuildVbn || f.info.BuildType == BuildQa
	if debugBuild || settings.DebugServices {
		if url := f.readOverrideFile(); url != "" {
			return url
		}
	}
	if url := f.rfcValue(rfc.KeyRecoveryURL); url != "" {
		return url
	}
	if f.cfg.Xconf.RecoveryURL != "" {
		return f.cfg.Xconf.RecoveryURL
	}
	logging.Op().Error("no recovery server url resolvable")
	return ""
}

func (f *Facade) readOverrideFile() string {
	if f.cfg.Xconf.OverrideFile == "" {
		return ""
	}
	data, err := os.ReadFile(f.cfg.Xconf.OverrideFile)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
