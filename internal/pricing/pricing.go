// Package pricing maps (operation, model, quantity) to an estimated cost in
// USD micros. Everything here is pure and deterministic so the same function
// can pre-authorize a hold and preview cost to the user. All rounding is
// ceiling: we never undercharge on a fractional micro.
package pricing

// ModelPricing lists the per-unit rates a model supports, in USD micros.
type ModelPricing struct {
	InputPer1kUsdMicros    int64
	OutputPer1kUsdMicros   int64
	ImagePerUnitUsdMicros  int64
	TTSPer1kCharsUsdMicros int64
}

// DefaultEstimateUsdMicros is charged for unknown model/operation
// combinations. A zero estimate would open a hold for nothing while real
// cost accrues unbounded, so unknowns get a non-zero floor instead.
const DefaultEstimateUsdMicros int64 = 50_000 // $0.05

// Chat pricing per 1k tokens.
var chatPricing = map[string]ModelPricing{
	"gpt-5":      {InputPer1kUsdMicros: 1250, OutputPer1kUsdMicros: 10000},
	"gpt-5-mini": {InputPer1kUsdMicros: 250, OutputPer1kUsdMicros: 2000},
	"gpt-5-nano": {InputPer1kUsdMicros: 50, OutputPer1kUsdMicros: 400},
}

// Video pricing per second, keyed by "<model>-<resolution>".
var videoPerSecondUsdMicros = map[string]int64{
	"sora-2-standard":     100_000, // $0.10/second
	"sora-2-high":         100_000,
	"sora-2-pro-standard": 300_000, // $0.30/second
	"sora-2-pro-high":     500_000, // $0.50/second
}

// TTS pricing per 1k characters.
var ttsPer1kCharsUsdMicros = map[string]int64{
	"gpt-4o-mini-tts": 15_000, // $0.015/1k chars
	"tts-1":           15_000,
	"tts-1-hd":        30_000,
}

// Image pricing per generated unit.
var imagePerUnitUsdMicros = map[string]int64{
	"gpt-image-1": 40_000, // $0.04/image
	"dall-e-3":    40_000,
}

// ceilDiv returns ceil(a / b) for positive b.
func ceilDiv(a, b int64) int64 {
	return (a + b - 1) / b
}

// EstimateChat prices a chat completion from token counts.
func EstimateChat(model string, inputTokens, outputTokens int64) int64 {
	p, ok := chatPricing[model]
	if !ok || p.InputPer1kUsdMicros == 0 || p.OutputPer1kUsdMicros == 0 {
		return DefaultEstimateUsdMicros
	}
	inputCost := ceilDiv(inputTokens*p.InputPer1kUsdMicros, 1000)
	outputCost := ceilDiv(outputTokens*p.OutputPer1kUsdMicros, 1000)
	return inputCost + outputCost
}

// EstimateVideo prices a video render from its duration and resolution tier.
func EstimateVideo(model string, seconds int64, resolution string) int64 {
	if resolution == "" {
		resolution = "standard"
	}
	perSecond, ok := videoPerSecondUsdMicros[model+"-"+resolution]
	if !ok {
		return DefaultEstimateUsdMicros
	}
	return seconds * perSecond
}

// EstimateTTS prices speech synthesis from input length.
func EstimateTTS(model string, chars int64) int64 {
	perK, ok := ttsPer1kCharsUsdMicros[model]
	if !ok {
		return DefaultEstimateUsdMicros
	}
	return ceilDiv(chars*perK, 1000)
}

// EstimateImage prices image generation by unit count.
func EstimateImage(model string, count int64) int64 {
	perUnit, ok := imagePerUnitUsdMicros[model]
	if !ok {
		return DefaultEstimateUsdMicros
	}
	return count * perUnit
}
