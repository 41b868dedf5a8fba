package monitor

import "vitals-monitor/internal/models"

// ChartBuffer is a fixed-capacity FIFO of chart points. Pushing onto a full
// buffer evicts the oldest point.
type ChartBuffer struct {
	points []models.ChartPoint
	head   int
	size   int
}

func NewChartBuffer(capacity int) *ChartBuffer {
	if capacity <= 0 {
		capacity = DefaultChartCapacity
	}
	return &ChartBuffer{points: make([]models.ChartPoint, capacity)}
}

func (b *ChartBuffer) Push(p models.ChartPoint) {
	if b.size < len(b.points) {
		b.points[(b.head+b.size)%len(b.points)] = p
		b.size++
		return
	}
	b.points[b.head] = p
	b.head = (b.head + 1) % len(b.points)
}

func (b *ChartBuffer) Len() int { return b.size }

func (b *ChartBuffer) Cap() int { return len(b.points) }

// Points returns the buffered points oldest first.
func (b *ChartBuffer) Points() []models.ChartPoint {
	out := make([]models.ChartPoint, 0, b.size)
	for i := 0; i < b.size; i++ {
		out = append(out, b.points[(b.head+i)%len(b.points)])
	}
	return out
}
