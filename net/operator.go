package net

// netOperator is applied on the network goroutine.
type netOperator interface {
	applyNet(ns *NetServices)
}

// mainOperator is applied on the application goroutine.
type mainOperator interface {
	applyMain(ns *NetServices)
}

type addServiceOp struct {
	id      ServiceID
	service Service
}

func (op *addServiceOp) applyNet(ns *NetServices) {
	ns.addService(op.id, op.service)
}

type removeServiceOp struct {
	id ServiceID
}

func (op *removeServiceOp) applyNet(ns *NetServices) {
	ns.removeService(op.id)
}

type createChannelOp struct {
	serviceID ServiceID
	channelID ChannelID
	address   string
}

func (op *createChannelOp) applyNet(ns *NetServices) {
	if s := ns.services[op.serviceID]; s != nil {
		s.Create(op.channelID, op.address)
	}
}

type removeChannelOp struct {
	serviceID ServiceID
	channelID ChannelID
	code      ErrorCode
}

func (op *removeChannelOp) applyNet(ns *NetServices) {
	if s := ns.services[op.serviceID]; s != nil {
		s.Remove(op.channelID, op.code)
	}
}

type sendOp struct {
	serviceID ServiceID
	channelID ChannelID
	actorID   uint64
	payload   []byte
}

func (op *sendOp) applyNet(ns *NetServices) {
	if s := ns.services[op.serviceID]; s != nil {
		s.Send(op.channelID, op.actorID, op.payload)
	}
}

type changeAddressOp struct {
	serviceID ServiceID
	channelID ChannelID
	address   string
}

func (op *changeAddressOp) applyNet(ns *NetServices) {
	if s := ns.services[op.serviceID]; s != nil {
		s.ChangeAddress(op.channelID, op.address)
	}
}

type channelConnResult struct {
	localConn  uint32
	remoteConn uint32
	err        error
}

// channelConnQuery carries its own completion channel back to the caller.
type channelConnQuery struct {
	serviceID ServiceID
	channelID ChannelID
	done      chan channelConnResult
}

func (op *channelConnQuery) applyNet(ns *NetServices) {
	s := ns.services[op.serviceID]
	if s == nil {
		op.answer(channelConnResult{err: ErrServiceNotFound})
		return
	}
	local, remote, err := s.ChannelConn(op.channelID)
	op.answer(channelConnResult{localConn: local, remoteConn: remote, err: err})
}

// answer delivers r unless the query was already answered. done has room
// for exactly one result, so the first answer wins.
func (op *channelConnQuery) answer(r channelConnResult) {
	select {
	case op.done <- r:
	default:
	}
}

type acceptOp struct {
	serviceID  ServiceID
	channelID  ChannelID
	remoteAddr string
}

func (op *acceptOp) applyMain(ns *NetServices) {
	if cb := ns.callbacksOf(op.serviceID); cb != nil && cb.onAccept != nil {
		cb.onAccept(op.serviceID, op.channelID, op.remoteAddr)
	}
}

type readOp struct {
	delivery ReadDelivery
}

func (op *readOp) applyMain(ns *NetServices) {
	ns.deliverRead(&op.delivery)
}

type errorOp struct {
	serviceID ServiceID
	channelID ChannelID
	code      ErrorCode
}

func (op *errorOp) applyMain(ns *NetServices) {
	if cb := ns.callbacksOf(op.serviceID); cb != nil && cb.onError != nil {
		cb.onError(op.serviceID, op.channelID, op.code)
	}
}
