package net

// ReadHandleFunc handles one decoded packet on the application goroutine.
type ReadHandleFunc func(d *ReadDelivery) error

// ReadFilter is an interceptor in front of the read callbacks. It either
// calls next to let the packet through or returns without calling it to
// drop the packet.
//
// Usage example:
//
//	ns.AddReadFilter(func(d *ReadDelivery, next ReadHandleFunc) error {
//	    if !authorized(d.ChannelID) {
//	        return errUnauthorized
//	    }
//	    return next(d)
//	})
type ReadFilter func(d *ReadDelivery, next ReadHandleFunc) error

// ReadFilterChain runs its filters in order, then the final handler.
type ReadFilterChain []ReadFilter

// Handle passes d through every filter and finally to f.
func (fc ReadFilterChain) Handle(d *ReadDelivery, f ReadHandleFunc) error {
	if len(fc) == 0 {
		return f(d)
	}
	return fc[0](d, func(d *ReadDelivery) error {
		return fc[1:].Handle(d, f)
	})
}
