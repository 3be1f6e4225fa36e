package model

import "fmt"

// NumFeatures is the width of the classifier input.
const NumFeatures = 8

// FeatureNames lists classifier inputs in training order. Changing the order
// or encoding invalidates every persisted artifact.
var FeatureNames = [NumFeatures]string{
	"amount",
	"device_enc",
	"hour",
	"tx_count_1h",
	"tx_amount_sum_24h",
	"amount_ratio",
	"velocity_score",
	"impossible_travel",
}

// FeatureLabels maps feature names to display labels.
var FeatureLabels = map[string]string{
	"amount":            "Transaction Amount",
	"device_enc":        "Device Type",
	"hour":              "Time of Day",
	"tx_count_1h":       "Transactions in Last Hour",
	"tx_amount_sum_24h": "Total Amount (24h)",
	"amount_ratio":      "Amount vs 30-Day Avg",
	"velocity_score":    "Transaction Velocity",
	"impossible_travel": "Impossible Travel Flag",
}

var deviceCodes = map[string]int{
	"Mobile":  0,
	"Desktop": 1,
	"Tablet":  2,
}

// DeviceCode encodes a device name; unknown devices map to Mobile.
func DeviceCode(device string) int {
	return deviceCodes[device]
}

// Vector is the fixed-schema classifier input for one transaction.
type Vector struct {
	Amount           float64
	DeviceEnc        float64
	Hour             float64
	TxCount1h        float64
	TxAmountSum24h   float64
	AmountRatio      float64
	VelocityScore    float64
	ImpossibleTravel float64
}

// Values returns the vector in FeatureNames order.
func (v Vector) Values() []float64 {
	return []float64{
		v.Amount,
		v.DeviceEnc,
		v.Hour,
		v.TxCount1h,
		v.TxAmountSum24h,
		v.AmountRatio,
		v.VelocityScore,
		v.ImpossibleTravel,
	}
}

// VectorFromValues is the inverse of Vector.Values.
func VectorFromValues(values []float64) (Vector, error) {
	if len(values) != NumFeatures {
		return Vector{}, fmt.Errorf("feature vector has %d values, want %d", len(values), NumFeatures)
	}
	return Vector{
		Amount:           values[0],
		DeviceEnc:        values[1],
		Hour:             values[2],
		TxCount1h:        values[3],
		TxAmountSum24h:   values[4],
		AmountRatio:      values[5],
		VelocityScore:    values[6],
		ImpossibleTravel: values[7],
	}, nil
}

// BoolFeature encodes a flag as 0/1.
func BoolFeature(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
