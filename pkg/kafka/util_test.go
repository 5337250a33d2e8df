package kafka

import (
	"reflect"
	"testing"

	"github.com/segmentio/kafka-go"
)

func TestParseBrokers(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{name: "empty", in: "", want: nil},
		{name: "single", in: "localhost:9092", want: []string{"localhost:9092"}},
		{name: "trimmed", in: " a:9092 , b:9092 ", want: []string{"a:9092", "b:9092"}},
		{name: "blank entries dropped", in: "a:9092,,", want: []string{"a:9092"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseBrokers(tt.in)
			if len(got) == 0 && len(tt.want) == 0 {
				return
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParseBrokers(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestTopicName(t *testing.T) {
	if got := TopicName("sam", "metering"); got != "sam.metering" {
		t.Errorf("TopicName() = %q", got)
	}
	if got := TopicName("", "metering"); got != "metering" {
		t.Errorf("TopicName() without prefix = %q", got)
	}
}

func TestValidateConsumerParams(t *testing.T) {
	tests := []struct {
		name                    string
		brokers, topic, groupID string
		wantErr                 bool
	}{
		{"valid", "localhost:9092", "t", "g", false},
		{"no brokers", "", "t", "g", true},
		{"no topic", "localhost:9092", "", "g", true},
		{"no group", "localhost:9092", "t", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateConsumerParams(tt.brokers, tt.topic, tt.groupID)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateConsumerParams() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
	if err := ValidateProducerParams(""); err == nil {
		t.Error("ValidateProducerParams(\"\") error = nil, want error")
	}
}

func TestNewReaderConfig(t *testing.T) {
	cfg := NewReaderConfig([]string{"b:9092"}, "sam.metering", "worker")
	if cfg.Topic != "sam.metering" || cfg.GroupID != "worker" {
		t.Errorf("unexpected reader config: %+v", cfg)
	}
	if cfg.StartOffset != kafka.FirstOffset {
		t.Errorf("StartOffset = %d, want FirstOffset", cfg.StartOffset)
	}
	if cfg.CommitInterval != 0 {
		t.Errorf("CommitInterval = %v, want synchronous commits", cfg.CommitInterval)
	}
}

func TestNewWriter(t *testing.T) {
	w := NewWriter([]string{"b:9092"})
	if w.Topic != "" {
		t.Errorf("writer Topic = %q, want empty so messages carry their topic", w.Topic)
	}
	if w.RequiredAcks != kafka.RequireOne {
		t.Errorf("RequiredAcks = %v, want RequireOne", w.RequiredAcks)
	}
	if _, ok := w.Balancer.(*kafka.Hash); !ok {
		t.Errorf("Balancer = %T, want *kafka.Hash", w.Balancer)
	}
}
