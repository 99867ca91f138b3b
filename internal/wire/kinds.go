// Package wire implements the CoAP-like frame codec the device
// protocol runs on top of: frame wrap/unwrap, the symbolic request
// table, the response-type table, and typed payload encoding.
package wire

// Kind tags every request and response the protocol exchanges. A
// tagged variant dispatched through the tables below, never string
// reflection at runtime, per the dispatch-of-message-kinds design
// note.
type Kind int

const (
	KindUnknown Kind = iota
	KindHello
	KindDescribe
	KindDescribeReturn
	KindVariableRequest
	KindVariableValue
	KindFunctionCall
	KindFunctionReturn
	KindUpdateBegin
	KindUpdateReady
	KindUpdateAbort
	KindUpdateDone
	KindChunk
	KindChunkReceived
	KindEvent
	KindPublicEvent
	KindPrivateEvent
	KindSubscribe
	KindSubscribeAck
	KindSubscribeFail
	KindGetTime
	KindGetTimeReturn
	KindRaiseYourHand
	KindRaiseYourHandReturn
	KindKeyChange
	KindEventAck
	KindEventSlowdown
	KindSignalStart
	KindPing
	KindPingAck
	KindIgnored
)

// CoAP codes used by this protocol (the subset of RFC 7252 codes the
// device firmware and gateway actually exchange).
const (
	CodeEmpty       = 0x00
	CodeGet         = 0x01
	CodePost        = 0x02
	CodePut         = 0x03
	CodeDelete      = 0x04
	CodeContent     = 0x45
	CodeBadRequest  = 0x80
	CodeChanged     = 0x44
	CodeNotFound    = 0x84
	CodeInternal    = 0xa0
)

// descriptor is the static table entry for one request Kind: its
// CoAP code, its URI template (for building and for matching an
// inbound frame to a kind), and whether it carries a token.
type descriptor struct {
	code        byte
	uriTemplate string
	needsToken  bool
}

var kindTable = map[Kind]descriptor{
	KindHello:               {CodePost, "h", false},
	KindDescribe:            {CodeGet, "d", true},
	KindDescribeReturn:      {CodeContent, "d", true},
	KindVariableRequest:     {CodeGet, "v", true},
	KindVariableValue:       {CodeContent, "v", true},
	KindFunctionCall:        {CodePost, "f", true},
	KindFunctionReturn:      {CodeContent, "f", true},
	KindUpdateBegin:         {CodePost, "u", true},
	KindUpdateReady:         {CodeChanged, "u", true},
	KindUpdateAbort:         {CodePost, "u/abort", true},
	KindUpdateDone:          {CodePost, "u/done", true},
	KindChunk:               {CodePut, "c", true},
	KindChunkReceived:       {CodeChanged, "c", true},
	KindEvent:               {CodePost, "e", true},
	KindPublicEvent:         {CodePost, "E", true},
	KindPrivateEvent:        {CodePost, "e", true},
	KindSubscribe:           {CodeGet, "e", true},
	KindSubscribeAck:        {CodeChanged, "e", true},
	KindSubscribeFail:       {CodeBadRequest, "e", true},
	KindGetTime:             {CodeGet, "t", true},
	KindGetTimeReturn:       {CodeContent, "t", true},
	KindRaiseYourHand:       {CodePost, "s/raise", true},
	KindRaiseYourHandReturn: {CodeChanged, "s/raise", true},
	KindKeyChange:           {CodePost, "k", true},
	KindEventAck:            {CodeChanged, "e", false},
	KindEventSlowdown:       {CodeInternal, "e", false},
	KindSignalStart:         {CodePost, "s", true},
	KindPing:                {CodeEmpty, "", false},
	KindPingAck:             {CodeEmpty, "", false},
	KindIgnored:             {CodeEmpty, "", false},
}

// responseKind maps a request Kind to the Kind expected in reply, the
// table the session consults when correlating an ack by outstanding
// token rather than by URI.
var responseKind = map[Kind]Kind{
	KindDescribe:        KindDescribeReturn,
	KindVariableRequest: KindVariableValue,
	KindFunctionCall:    KindFunctionReturn,
	KindUpdateBegin:     KindUpdateReady,
	KindChunk:           KindChunkReceived,
	KindSubscribe:       KindSubscribeAck,
	KindGetTime:         KindGetTimeReturn,
	KindRaiseYourHand:   KindRaiseYourHandReturn,
	KindPing:            KindPingAck,
}

// ResponseKindFor returns the Kind expected in reply to request, and
// whether request is known to expect one at all.
func ResponseKindFor(request Kind) (Kind, bool) {
	k, ok := responseKind[request]
	return k, ok
}

// DescriptorFor exposes the (code, uri, needsToken) tuple for a Kind.
func DescriptorFor(k Kind) (code byte, uriTemplate string, needsToken bool, ok bool) {
	d, ok := kindTable[k]
	return d.code, d.uriTemplate, d.needsToken, ok
}
