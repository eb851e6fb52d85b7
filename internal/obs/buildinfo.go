package obs

import (
	"runtime"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfoOnce sync.Once

	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "clinicore_build_info",
			Help: "Constant 1, labelled with the running build.",
		},
		[]string{"version", "commit", "goversion"},
	)
)

// InitBuildInfo publishes clinicore_build_info on the default registry.
// Empty version or commit are reported as "unknown". Only the latest call's
// labels remain exported.
func InitBuildInfo(version, commit string) {
	buildInfoOnce.Do(func() {
		prometheus.MustRegister(buildInfo)
	})
	setBuildInfo(buildInfo, version, commit)
}

func setBuildInfo(g *prometheus.GaugeVec, version, commit string) {
	if version == "" {
		version = "unknown"
	}
	if commit == "" {
		commit = "unknown"
	}
	g.Reset()
	g.WithLabelValues(version, commit, runtime.Version()).Set(1)
}
