package features

import (
	"math"
	"time"

	"fraudshield/internal/featurestore"
	"fraudshield/internal/model"
)

const (
	earthRadiusKm      = 6371.0
	maxTravelSpeedKmh  = 900.0
	minTravelHours     = 0.001
	velocityCountScale = 10.0
)

// BehavioralFeatures are contextual signals derived from an entity's history.
type BehavioralFeatures struct {
	TxCount1h        int     `json:"tx_count_1h"`
	TxAmountSum24h   float64 `json:"tx_amount_sum_24h"`
	ImpossibleTravel bool    `json:"impossible_travel"`
	AmountRatio      float64 `json:"amount_ratio"`
	VelocityScore    float64 `json:"velocity_score"`
}

// Input is everything Compute needs for one transaction.
type Input struct {
	Now             time.Time
	CurrentAmount   float64
	Recent          []featurestore.Event
	AvgAmount30d    float64
	LastLocation    *featurestore.Location
	CurrentLocation *featurestore.Location
}

// Compute derives behavioral features. It is pure and never fails; a
// missing or malformed location simply yields no travel signal.
func Compute(in Input) BehavioralFeatures {
	now := in.Now
	if now.IsZero() {
		now = time.Now()
	}
	hourAgo := now.Add(-time.Hour)
	dayAgo := now.Add(-24 * time.Hour)

	var count int
	var sum float64
	for _, e := range in.Recent {
		if !e.Timestamp.Before(hourAgo) {
			count++
		}
		if !e.Timestamp.Before(dayAgo) {
			sum += e.Amount
		}
	}

	ratio := 1.0
	if in.AvgAmount30d > 0 {
		ratio = in.CurrentAmount / in.AvgAmount30d
	}

	return BehavioralFeatures{
		TxCount1h:        count,
		TxAmountSum24h:   model.Round(sum, 2),
		ImpossibleTravel: ImpossibleTravel(in.LastLocation, in.CurrentLocation),
		AmountRatio:      model.Round(ratio, 4),
		VelocityScore:    model.Round(math.Min(float64(count)/velocityCountScale, 1), 4),
	}
}

// ImpossibleTravel reports whether moving between the two fixes needs a
// speed above 900 km/h. Elapsed time is floored at 0.001h, so a fix
// older than the previous one counts as instantaneous.
func ImpossibleTravel(prev, cur *featurestore.Location) bool {
	if !prev.Valid() || !cur.Valid() {
		return false
	}
	hours := math.Max(cur.Timestamp.Sub(prev.Timestamp).Hours(), minTravelHours)
	return HaversineKm(prev, cur)/hours > maxTravelSpeedKmh
}

// HaversineKm is the great-circle distance between two fixes.
func HaversineKm(a, b *featurestore.Location) float64 {
	lat1, lat2 := radians(a.Lat), radians(b.Lat)
	dLat := lat2 - lat1
	dLon := radians(b.Lon - a.Lon)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Min(1, math.Sqrt(h)))
}

// Vector assembles the classifier input from raw fields and behavioral
// features. hour is the local hour of day of the transaction.
func Vector(amount float64, device string, hour int, bf BehavioralFeatures) model.Vector {
	return model.Vector{
		Amount:           amount,
		DeviceEnc:        float64(model.DeviceCode(device)),
		Hour:             float64(hour),
		TxCount1h:        float64(bf.TxCount1h),
		TxAmountSum24h:   bf.TxAmountSum24h,
		AmountRatio:      bf.AmountRatio,
		VelocityScore:    bf.VelocityScore,
		ImpossibleTravel: model.BoolFeature(bf.ImpossibleTravel),
	}
}

func radians(deg float64) float64 {
	return deg * math.Pi / 180
}
