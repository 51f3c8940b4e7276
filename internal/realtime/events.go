package realtime

import (
	"encoding/json"
	"time"
)

// Client-initiated events.
const (
	EventGetCapabilities  = "session:getCapabilities"
	EventListenerJoin     = "listener:joinSession"
	EventCreateTransportB = "broadcaster:createTransport"
	EventCreateTransportL = "listener:createTransport"
	EventTransportConnect = "transport:connect"
	EventProduce          = "broadcaster:produce"
	EventConsume          = "listener:consume"
	EventConsumerResume   = "consumer:resume"
	EventSetLiveMode      = "broadcast:setLiveMode"
	EventReportToneState  = "listener:reportToneState"
)

// Server-pushed events.
const (
	EventChannelsUpdated   = "session:channelsUpdated"
	EventProducerAvailable = "channel:producerAvailable"
	EventOwnershipChanged  = "broadcast:ownershipChanged"
	EventOwnerDisconnected = "broadcast:ownerDisconnected"
	EventLiveModeChanged   = "broadcast:liveModeChanged"
	EventTakeoverRequired  = "broadcast:takeoverRequired"
	EventToneState         = "listener:toneState"
)

// envelope is the wire frame in both directions. Client requests carry a
// reqId that the matching response echoes.
type envelope struct {
	Event string          `json:"event"`
	ReqID string          `json:"reqId,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// responseFrame answers one client request.
type responseFrame struct {
	Event string `json:"event"` // always "response"
	ReqID string `json:"reqId,omitempty"`
	OK    bool   `json:"ok"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

func encodeEvent(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Event: event, Data: raw})
}

type joinSessionPayload struct {
	ChannelID string `json:"channelId"`
}

type createTransportPayload struct {
	Direction string `json:"direction"`
}

type transportConnectPayload struct {
	TransportID    string          `json:"transportId"`
	DTLSParameters json.RawMessage `json:"dtlsParameters"`
}

type producePayload struct {
	ChannelID     string          `json:"channelId"`
	RTPParameters json.RawMessage `json:"rtpParameters"`
}

type consumePayload struct {
	ChannelID       string          `json:"channelId"`
	RTPCapabilities json.RawMessage `json:"rtpCapabilities"`
}

type consumerResumePayload struct {
	ConsumerID string `json:"consumerId"`
}

type setLiveModePayload struct {
	Mode string `json:"mode"`
}

type liveModePayload struct {
	Mode string `json:"mode"`
}

type takeoverPayload struct {
	OwnerName string     `json:"ownerName"`
	Since     *time.Time `json:"since,omitempty"`
}

type ownershipPayload struct {
	OwnerName string `json:"ownerName"`
	Takeover  bool   `json:"takeover,omitempty"`
}

type producerAvailablePayload struct {
	ChannelID string `json:"channelId"`
}
