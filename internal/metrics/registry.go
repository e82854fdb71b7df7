package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "mesh"

// Registry is the process-wide collector registry every metric in this
// package registers against via promauto.With(Registry).
var Registry = prometheus.NewRegistry()
