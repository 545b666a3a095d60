package models

// Feature identifies a metered product feature. Quota caps and usage
// reports are keyed by feature.
type Feature string

const (
	FeatureFoodAnalysis    Feature = "food_analysis"
	FeatureSymptomAnalysis Feature = "symptom_analysis"
	FeatureImageAnalysis   Feature = "medical_image_analysis"
	FeatureInsights        Feature = "insights"
	FeatureChat            Feature = "chat"
)

// Features lists every metered feature.
var Features = []Feature{
	FeatureFoodAnalysis,
	FeatureSymptomAnalysis,
	FeatureImageAnalysis,
	FeatureInsights,
	FeatureChat,
}

// Valid reports whether f is a known feature.
func (f Feature) Valid() bool {
	for _, known := range Features {
		if f == known {
			return true
		}
	}
	return false
}

// PlanTier is the subscription tier of a wallet.
type PlanTier string

const (
	PlanFree       PlanTier = "free"
	PlanSubscriber PlanTier = "subscriber"
)

// Valid reports whether p is a known tier.
func (p PlanTier) Valid() bool {
	return p == PlanFree || p == PlanSubscriber
}
