package canonical

// Header field confidence weights. The dot product of per-field confidences
// and these weights yields the header confidence.
var HeaderWeights = map[string]float64{
	"external_order_number":   0.20,
	"order_date":              0.15,
	"currency":                0.20,
	"customer_hint":           0.25,
	"requested_delivery_date": 0.10,
	"ship_to":                 0.10,
}

// Line field confidence weights.
var LineWeights = map[string]float64{
	"customer_sku_raw": 0.30,
	"qty":              0.30,
	"uom":              0.20,
	"unit_price":       0.20,
}

// HeaderConfidence computes the weighted header confidence from per-field
// confidences, normalized over the fields actually reported. A CSV that
// structurally carries no currency or customer block is not penalized for
// their absence. The second return is false when no weighted field is
// present at all.
func HeaderConfidence(fields map[string]float64) (float64, bool) {
	var sum, weight float64
	for name, w := range HeaderWeights {
		c, ok := fields[name]
		if !ok {
			continue
		}
		sum += w * Clamp01(c)
		weight += w
	}
	if weight == 0 {
		return 0, false
	}
	return Clamp01(sum / weight), true
}

// LineScore computes the weighted confidence of one line.
func LineScore(fields map[string]float64) float64 {
	var sum float64
	for name, w := range LineWeights {
		sum += w * Clamp01(fields[name])
	}
	return Clamp01(sum)
}

// OverallConfidence combines header and line confidences:
// 0.4*header + 0.6*mean(lines), with sanity penalties. Without any header
// evidence the lines carry the whole score. A zero-line output has overall
// zero; any implausible qty multiplies the result by 0.8.
func OverallConfidence(header float64, headerKnown bool, lines []LineConfidence, anyBadQty bool) float64 {
	if len(lines) == 0 {
		return 0
	}
	var mean float64
	for _, lc := range lines {
		mean += Clamp01(lc.Score)
	}
	mean /= float64(len(lines))

	overall := mean
	if headerKnown {
		overall = 0.4*Clamp01(header) + 0.6*mean
	}
	if anyBadQty {
		overall *= 0.8
	}
	return Clamp01(overall)
}

// FinalizeConfidence fills Confidence.Overall from the header map and line
// scores already present on the output.
func (o *Output) FinalizeConfidence() {
	anyBad := false
	for _, ln := range o.Lines {
		if ln.Qty <= 0 || ln.Qty > MaxQty {
			anyBad = true
			break
		}
	}
	header, known := HeaderConfidence(o.Confidence.Header)
	o.Confidence.Overall = OverallConfidence(header, known, o.Confidence.Lines, anyBad)
}
