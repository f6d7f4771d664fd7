package risk

import "github.com/prometheus/client_golang/prometheus"

var (
	evaluationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cryptobot_risk_evaluations_total",
			Help: "按动作统计的风控评估次数",
		},
		[]string{"action"},
	)

	dispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cryptobot_risk_dispatch_total",
			Help: "按动作与结果统计的风控调度次数",
		},
		[]string{"action", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(evaluationsTotal, dispatchTotal)
}
