package feed

import (
	"math/rand"
	"time"
)

// for deterministic testing
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

// for deterministic values
type Rand interface {
	Intn(n int) int
	Float64() float64
}

type RealClock struct{}

func (RealClock) Now() time.Time        { return time.Now() }
func (RealClock) Sleep(d time.Duration) { time.Sleep(d) }

type RealRand struct{ *rand.Rand }

func NewRealRand() RealRand { return RealRand{rand.New(rand.NewSource(time.Now().UnixNano()))} }

func (r RealRand) Intn(n int) int   { return r.Rand.Intn(n) }
func (r RealRand) Float64() float64 { return r.Rand.Float64() }

// Tick is one streamed price event.
type Tick struct {
	Event     string  `json:"event"`
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price"`
	Volume    int     `json:"volume"`
	Timestamp int64   `json:"timestamp"` // unix seconds
	Seq       int64   `json:"seq"`
}

// control is the inbound stream frame.
type control struct {
	Action  string   `json:"action"`
	Symbols []string `json:"symbols"`
}
