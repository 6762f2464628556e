package models

// RoutingKey selects the delivery channel for an event.
type RoutingKey struct {
	Env       string
	Namespace string
	AppID     string
}

func (k RoutingKey) String() string {
	return k.Env + "-" + k.Namespace + "-" + k.AppID
}
