package mqtt

import "testing"

func TestTopicMatches(t *testing.T) {
	tests := []struct {
		filter string
		topic  string
		want   bool
	}{
		{"pdu/pdu44001/outlet/3/command", "pdu/pdu44001/outlet/3/command", true},
		{"pdu/+/outlet/+/command", "pdu/pdu44001/outlet/3/command", true},
		{"pdu/+/outlet/+/command", "pdu/rack1-pdu/outlet/10/command", true},
		{"pdu/+/outlet/+/command", "pdu/pdu44001/outlet/3/command/response", false},
		{"pdu/+/outlet/+/command", "pdu/pdu44001/bank/1/current", false},
		{"pdu/pdu44001/#", "pdu/pdu44001/outlet/3/state", true},
		{"pdu/pdu44001/#", "pdu/pdu44001/status", true},
		{"pdu/pdu44001/#", "pdu/other/status", false},
		{"pdu/+", "pdu/pdu44001", true},
		{"pdu/+", "pdu/pdu44001/status", false},
		{"#", "anything/at/all", true},
		{"pdu/#/state", "pdu/x/state", false}, // # 只允许在末层
	}
	for _, tt := range tests {
		if got := TopicMatches(tt.filter, tt.topic); got != tt.want {
			t.Errorf("TopicMatches(%q, %q) = %v, want %v", tt.filter, tt.topic, got, tt.want)
		}
	}
}

func TestOfflineQueueOrderAndBound(t *testing.T) {
	c := NewClient("localhost", 1883, "test")
	c.queueLimit = 5

	// 未连接: 全部入队
	for i := 0; i < 7; i++ {
		c.Publish("pdu/p1/outlet/1/state", []byte{byte('0' + i)}, true, 0)
	}

	if got := c.QueueLen(); got != 5 {
		t.Fatalf("queue length = %d, want 5 (bounded)", got)
	}
	if got := c.Dropped(); got != 2 {
		t.Errorf("dropped = %d, want 2", got)
	}

	// 丢最旧: 队头应是第 3 条（'2'）
	c.mu.Lock()
	first := c.queue[0]
	last := c.queue[len(c.queue)-1]
	c.mu.Unlock()
	if first.payload[0] != '2' {
		t.Errorf("queue head payload = %q, want '2' (oldest dropped first)", first.payload)
	}
	if last.payload[0] != '6' {
		t.Errorf("queue tail payload = %q, want '6'", last.payload)
	}
	if !first.retained {
		t.Error("retained flag lost in queue")
	}
}

func TestRegisterStatusTopicSetsWill(t *testing.T) {
	c := NewClient("localhost", 1883, "test")
	c.RegisterStatusTopic("pdu/pdu44001/bridge/status")
	c.RegisterStatusTopic("pdu/rack2/bridge/status")
	c.RegisterStatusTopic("pdu/pdu44001/bridge/status") // 去重

	if c.willTopic != "pdu/pdu44001/bridge/status" {
		t.Errorf("willTopic = %q, want first registered topic", c.willTopic)
	}
	if len(c.statusTopics) != 2 {
		t.Errorf("statusTopics = %d, want 2", len(c.statusTopics))
	}

	c.UnregisterStatusTopic("pdu/rack2/bridge/status")
	if len(c.statusTopics) != 1 {
		t.Errorf("after unregister statusTopics = %d, want 1", len(c.statusTopics))
	}
}
