package simulator

import "testing"

func TestLatencyNetworkSingleMessage(t *testing.T) {
	loop := NewSeededEventLoop(0)
	node1, node2 := NewNode(), NewNode()
	port1, port2 := node1.Port(loop), node2.Port(loop)
	network := NewLatencyNetwork(3.0, 2.0)

	loop.Go(func(h *Handle) {
		network.Send(h, &Message{
			Source:  port1,
			Dest:    port2,
			Message: "hi rank 1",
			Size:    124.0,
		})
		if val := port1.Recv(h).Message; val != "hi rank 0" {
			t.Errorf("unexpected message: %s", val)
		}
	})
	loop.Go(func(h *Handle) {
		network.Send(h, &Message{
			Source:  port2,
			Dest:    port1,
			Message: "hi rank 0",
			Size:    124.0,
		})
		if val := port2.Recv(h).Message; val != "hi rank 1" {
			t.Errorf("unexpected message: %s", val)
		}
	})

	if err := loop.Run(); err != nil {
		t.Fatal(err)
	}

	expectedTime := 3.0 + 124.0/2.0
	if loop.Time() != expectedTime {
		t.Errorf("time should be %f but got %f", expectedTime, loop.Time())
	}
}

func TestLatencyNetworkSerializesReceiver(t *testing.T) {
	loop := NewSeededEventLoop(0)
	nodes := []*Node{NewNode(), NewNode(), NewNode()}
	ports := make([]*Port, len(nodes))
	for i, n := range nodes {
		ports[i] = n.Port(loop)
	}
	network := NewLatencyNetwork(1.0, 10.0)

	var arrivals []float64
	loop.Go(func(h *Handle) {
		for i := 0; i < 2; i++ {
			ports[0].Recv(h)
			arrivals = append(arrivals, h.Time())
		}
	})
	loop.Go(func(h *Handle) {
		network.Send(h,
			&Message{Source: ports[1], Dest: ports[0], Message: 1, Size: 10},
			&Message{Source: ports[2], Dest: ports[0], Message: 2, Size: 10},
		)
	})

	if err := loop.Run(); err != nil {
		t.Fatal(err)
	}
	if len(arrivals) != 2 || arrivals[0] != 2.0 || arrivals[1] != 4.0 {
		t.Errorf("unexpected arrival times: %v", arrivals)
	}
}

func TestRandomNetworkDeadlock(t *testing.T) {
	loop := NewSeededEventLoop(1)
	port := NewNode().Port(loop)
	loop.Go(func(h *Handle) {
		RandomNetwork{}.Send(h, &Message{Source: port, Dest: port, Message: 1})
		port.Recv(h)
		port.Recv(h)
	})
	err := loop.Run()
	if _, ok := err.(*DeadlockError); !ok {
		t.Fatalf("expected deadlock error but got %v", err)
	}
}
