package env

import (
	"os"

	"github.com/denisbrodbeck/machineid"
)

// appID scopes machine identifiers to this project so station names
// never expose the raw host id on the broker.
const appID = "boap"

// machineStation derives a station name from the host identity for
// programs started without an explicit station. Several unnamed hosts
// may share a bench, so the name must stay unique per machine.
func machineStation() string {
	if id, err := machineid.ProtectedID(appID); err == nil {
		if len(id) > 12 {
			id = id[:12]
		}
		return "sta-" + id
	}
	if host, err := os.Hostname(); err == nil {
		return "sta-" + host
	}
	return "sta-unnamed"
}
