package httptransport

import "expvar"

var (
	metricVerifyTotal  = expvar.NewInt("fairness_verify_total")
	metricVerifyFailed = expvar.NewInt("fairness_verify_mismatch_total")

	metricRoomQueryTotal  = expvar.NewInt("battles_query_total")
	metricRoomQueryErrors = expvar.NewInt("battles_query_errors_total")

	metricHealthDown = expvar.NewInt("healthz_down_total")
)
