package gateway

// CapabilityToken proves that a broker call originated from the Gateway's
// order router. It carries no information; its only purpose is provenance.
//
// The interface has an unexported method and its only implementation is
// unexported, so no code outside this package can mint one. A BrokerAdapter
// that receives a nil token is being called from somewhere other than the
// router and must refuse.
type CapabilityToken interface {
	execCapability()
}

type issuedToken struct{}

func (issuedToken) execCapability() {}

// mintToken is called by the order router, once per broker call. The token
// is transient: it is never stored.
func mintToken() CapabilityToken { return issuedToken{} }
