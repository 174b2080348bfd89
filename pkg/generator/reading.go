package generator

import (
	"math"
	"math/rand"
	"time"
)

// Reading is one temperature and humidity sample.
type Reading struct {
	Temperature float64
	Humidity    float64
}

// ReadingGenerator produces readings for one room. Not safe for concurrent use.
type ReadingGenerator struct {
	rng              *rand.Rand
	baselineTemp     float64
	baselineHumidity float64
	noise            float64
}

// NewReadingGenerator creates a generator with random indoor baselines.
// Note: Uses math/rand, which is acceptable for simulation data.
func NewReadingGenerator(seed int64) *ReadingGenerator {
	rng := rand.New(rand.NewSource(seed)) // #nosec G404 - weak random is acceptable for simulation
	return &ReadingGenerator{
		rng:              rng,
		baselineTemp:     19.0 + rng.Float64()*4,  // 19-23°C
		baselineHumidity: 40.0 + rng.Float64()*15, // 40-55%
		noise:            0.2 + rng.Float64()*0.6,
	}
}

// Temperature follows a daily cycle peaking mid afternoon.
func (g *ReadingGenerator) Temperature(t time.Time) float64 {
	hour := float64(t.Hour()) + float64(t.Minute())/60
	dailyCycle := 1.5 * math.Sin((hour-9)*math.Pi/12)
	noise := (g.rng.Float64() - 0.5) * g.noise

	// Occasional cooking or open window (3% chance)
	anomaly := 0.0
	if g.rng.Float64() < 0.03 {
		anomaly = (g.rng.Float64() - 0.5) * 6
	}

	return g.baselineTemp + dailyCycle + noise + anomaly
}

// Humidity moves inversely to temperature, clamped to what a DHT11 reports.
func (g *ReadingGenerator) Humidity(t time.Time, temperature float64) float64 {
	hour := float64(t.Hour()) + float64(t.Minute())/60
	dailyCycle := -2 * math.Sin((hour-9)*math.Pi/12)
	tempEffect := -(temperature - g.baselineTemp) * 2
	noise := (g.rng.Float64() - 0.5) * g.noise

	// Showers and kettles (2% chance)
	anomaly := 0.0
	if g.rng.Float64() < 0.02 {
		anomaly = g.rng.Float64() * 25
	}

	humidity := g.baselineHumidity + dailyCycle + tempEffect + noise + anomaly
	return math.Max(20, math.Min(90, humidity))
}

// Next returns a correlated reading for t, rounded to one decimal like the sensor.
func (g *ReadingGenerator) Next(t time.Time) Reading {
	temperature := g.Temperature(t)
	humidity := g.Humidity(t, temperature)
	return Reading{
		Temperature: math.Round(temperature*10) / 10,
		Humidity:    math.Round(humidity*10) / 10,
	}
}
