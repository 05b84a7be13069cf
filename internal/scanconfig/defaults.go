package scanconfig

import "github.com/ChuLiYu/exposure-pipeline/pkg/types"

// RemoteFileName is the daily-summaries configuration published next to the
// key files.
const RemoteFileName = "v1.6.config.json"

// DefaultTriggerThresholdMinutes 預設通知門檻（加權分鐘）
const DefaultTriggerThresholdMinutes = 15

// Defaults returns the compiled-in configuration.
func Defaults() types.ScanConfiguration {
	return types.ScanConfiguration{
		MinimumRiskScore:        15,
		AttenuationThresholds:   [2]int{53, 60},
		AttenuationScores:       [8]int{1, 2, 3, 4, 5, 6, 7, 8},
		DaysSinceExposureScores: [8]int{1, 2, 3, 4, 5, 6, 7, 8},
		DurationScores:          [8]int{1, 2, 3, 4, 5, 6, 7, 8},
		TransmissionRiskScores:  [8]int{1, 2, 3, 4, 5, 6, 7, 8},

		AttenuationDurationThresholds: [3]int{55, 63, 70},
		AttenuationBucketWeights:      [4]float64{1.5, 1.0, 0.4, 0.0},
		ReportTypeWeights:             [4]float64{1.0, 0.0, 0.0, 0.0},
		InfectiousnessWeights:         [2]float64{0.3, 1.0},

		TriggerThresholdMinutes: DefaultTriggerThresholdMinutes,

		DataMapping: DefaultDataMapping(),
	}
}

// DefaultDataMapping 發病日到傳染力的預設映射，-14..14 天
func DefaultDataMapping() types.DataMapping {
	m := make(map[int]int, 29)
	for d := -14; d <= 14; d++ {
		switch {
		case d == -3 || d == 4:
			m[d] = 1
		case d >= -2 && d <= 3:
			m[d] = 2
		default:
			m[d] = 0
		}
	}
	return types.DataMapping{
		DaysSinceOnsetToInfectiousness:          m,
		InfectiousnessWhenDaysSinceOnsetMissing: 1,
		ReportTypeWhenMissing:                   1,
	}
}
