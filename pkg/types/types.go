// Package types 定義了 exposure-pipeline 系統中使用的核心領域模型
package types

import (
	"time"
)

// 目錄預設值
const (
	DefaultRegionCode  = "regionCode" // 單一區域索引使用的區域代碼
	DefaultBatchNumber = 1            // 單一批次的批次號
)

// MillisPerDay 一天的毫秒數，用於把 daysSinceEpoch 截斷成日期
const MillisPerDay int64 = 86_400_000

// KeyFileBatch 一組要一起提交給比對引擎的金鑰檔案
// FileRefs 依索引檔中的行序排列，建立後不可修改
type KeyFileBatch struct {
	RegionCode  string   `json:"region_code"`  // 區域代碼
	BatchNumber int      `json:"batch_number"` // 批次號
	FileRefs    []string `json:"file_refs"`    // 金鑰檔案參照（相對路徑或 URL）
}

// LastRef 返回批次中最後一個檔案參照，空批次返回空字串
func (b KeyFileBatch) LastRef() string {
	if len(b.FileRefs) == 0 {
		return ""
	}
	return b.FileRefs[len(b.FileRefs)-1]
}

// DownloadedBatch 已下載到本地暫存檔的批次
// Files[i] 對應 Batch.FileRefs[i]
type DownloadedBatch struct {
	Batch KeyFileBatch `json:"batch"`
	Files []string     `json:"files"`
}

// DataMapping 診斷金鑰資料映射，提交給引擎（每 7 天最多一次）
type DataMapping struct {
	DaysSinceOnsetToInfectiousness          map[int]int `json:"daysSinceOnsetToInfectiousness"`
	InfectiousnessWhenDaysSinceOnsetMissing int         `json:"infectiousnessWhenDaysSinceOnsetMissing"`
	ReportTypeWhenMissing                   int         `json:"reportTypeWhenMissing"`
}

// ScanConfiguration 曝險掃描參數
// 持久化的覆寫值優先，其餘欄位使用內建預設值
type ScanConfiguration struct {
	// 風險分數模式
	MinimumRiskScore        int    `json:"minimumRiskScore"`
	AttenuationThresholds   [2]int `json:"attenuationThresholds"`
	AttenuationScores       [8]int `json:"attenuationScores"`
	DaysSinceExposureScores [8]int `json:"daysSinceExposureScores"`
	DurationScores          [8]int `json:"durationScores"`
	TransmissionRiskScores  [8]int `json:"transmissionRiskScores"`

	// 每日摘要模式
	AttenuationDurationThresholds [3]int     `json:"attenuationDurationThresholds"`
	AttenuationBucketWeights      [4]float64 `json:"attenuationBucketWeights"`
	ReportTypeWeights             [4]float64 `json:"reportTypeWeights"`
	InfectiousnessWeights         [2]float64 `json:"infectiousnessWeights"`

	// 觸發通知的加權曝險分鐘數門檻
	TriggerThresholdMinutes int `json:"triggerThresholdWeightedDuration"`

	DataMapping DataMapping `json:"dataMapping"`
}

// DailySummary 引擎回報的單日曝險摘要
type DailySummary struct {
	DaysSinceEpoch      int     `json:"daysSinceEpoch"`
	MaximumScore        float64 `json:"maximumScore"`
	ScoreSum            float64 `json:"scoreSum"`
	WeightedDurationSum float64 `json:"weightedDurationSum"` // 秒
}

// DateMillis 返回截斷到 UTC 午夜的日期（毫秒）
func (s DailySummary) DateMillis() int64 {
	return int64(s.DaysSinceEpoch) * MillisPerDay
}

// WeightedMinutes 返回加權曝險時間（分鐘）
func (s DailySummary) WeightedMinutes() float64 {
	return s.WeightedDurationSum / 60
}

// ExposureRecord 本地曝險紀錄，以截斷後的日期作為身分
// 只新增不修改，由外部保留策略清理
type ExposureRecord struct {
	ID                   string `json:"id"`                 // UUID
	DateMillisSinceEpoch int64  `json:"date"`               // 截斷到日的日期
	DurationMinutes      int    `json:"duration"`           // 加權曝險分鐘數
	ReceivedTimestampMs  int64  `json:"received_timestamp"` // 本地寫入時間
}

// Date 返回紀錄日期
func (r ExposureRecord) Date() time.Time {
	return time.UnixMilli(r.DateMillisSinceEpoch).UTC()
}

// Outcome 偵測流程的最終結果
type Outcome string

// 定義偵測結果常數
const (
	OutcomeSuccess  Outcome = "success"   // 成功（包含沒有新檔案的情況）
	OutcomeSoftSkip Outcome = "soft_skip" // 引擎停用，視為成功
	OutcomeFailure  Outcome = "failure"   // 失敗，排程器會退避重試
)

// Succeeded 回報排程器時視為成功的結果
func (o Outcome) Succeeded() bool {
	return o == OutcomeSuccess || o == OutcomeSoftSkip
}
