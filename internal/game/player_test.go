package game

import (
	"testing"

	"github.com/oferchen/arena/internal/protocol"
)

func seqs(in []protocol.InputFrame) []uint32 {
	out := make([]uint32, len(in))
	for i, f := range in {
		out[i] = f.Seq
	}
	return out
}

func equalSeqs(a, b []uint32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestTakeInputs(t *testing.T) {
	tests := []struct {
		name        string
		lastSeq     uint32
		lastInput   []byte
		queued      []uint32
		maxGap      int
		perTick     int
		want        []uint32
		wantDropped int
		wantLast    uint32
		wantPending int
	}{
		{"in order", 0, nil, []uint32{1, 2, 3}, 8, 8, []uint32{1, 2, 3}, 0, 3, 0},
		{"reordered", 0, nil, []uint32{3, 1, 2}, 8, 8, []uint32{1, 2, 3}, 0, 3, 0},
		{"duplicates dropped", 0, nil, []uint32{1, 1, 2, 2}, 8, 8, []uint32{1, 2}, 2, 2, 0},
		{"stale dropped", 5, []byte{1}, []uint32{3, 5, 6}, 8, 8, []uint32{6}, 2, 6, 0},
		{"first input opens no gap", 0, nil, []uint32{10}, 8, 8, []uint32{10}, 0, 10, 0},
		{"gap filled", 2, []byte{9}, []uint32{5}, 8, 8, []uint32{3, 4, 5}, 0, 5, 0},
		{"gap fill bounded", 2, []byte{9}, []uint32{20}, 2, 8, []uint32{18, 19, 20}, 0, 20, 0},
		{"gap fill disabled", 2, []byte{9}, []uint32{5}, 0, 8, []uint32{5}, 0, 5, 0},
		{"per tick limit", 0, nil, []uint32{1, 2, 3, 4}, 8, 2, []uint32{1, 2}, 0, 2, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &Player{lastSeq: tt.lastSeq, lastInput: tt.lastInput}
			for _, s := range tt.queued {
				p.queue(protocol.InputFrame{Seq: s, Data: []byte{byte(s)}}, 64)
			}

			got, dropped := p.takeInputs(tt.maxGap, tt.perTick)
			if !equalSeqs(seqs(got), tt.want) {
				t.Errorf("Expected seqs %v, got %v", tt.want, seqs(got))
			}
			if dropped != tt.wantDropped {
				t.Errorf("Expected %d dropped, got %d", tt.wantDropped, dropped)
			}
			if p.LastSeq() != tt.wantLast {
				t.Errorf("Expected last seq %d, got %d", tt.wantLast, p.LastSeq())
			}
			if len(p.pending) != tt.wantPending {
				t.Errorf("Expected %d pending, got %d", tt.wantPending, len(p.pending))
			}
		})
	}
}

func TestGapFillRepeatsLastInput(t *testing.T) {
	p := &Player{}
	p.queue(protocol.InputFrame{Seq: 1, Data: []byte("left")}, 64)
	p.takeInputs(8, 8)

	p.queue(protocol.InputFrame{Seq: 4, Data: []byte("right")}, 64)
	got, _ := p.takeInputs(8, 8)
	if len(got) != 3 {
		t.Fatalf("Expected 3 inputs, got %d", len(got))
	}
	for _, in := range got[:2] {
		if string(in.Data) != "left" {
			t.Errorf("Gap seq %d: expected repeated input, got %q", in.Seq, in.Data)
		}
	}
	if string(got[2].Data) != "right" {
		t.Errorf("Expected real input last, got %q", got[2].Data)
	}
}

func TestQueueDropsOldestWhenFull(t *testing.T) {
	p := &Player{}
	for s := uint32(1); s <= 3; s++ {
		if !p.queue(protocol.InputFrame{Seq: s}, 3) {
			t.Fatalf("queue %d reported a drop", s)
		}
	}
	if p.queue(protocol.InputFrame{Seq: 4}, 3) {
		t.Error("Expected queue to report a drop when full")
	}
	if got := seqs(p.pending); !equalSeqs(got, []uint32{2, 3, 4}) {
		t.Errorf("Expected oldest input dropped, got %v", got)
	}
}
