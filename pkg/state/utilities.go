package state

// Equivalent reports whether two states hold the same routing: same kind, same
// listener address and the same set of entries in every bucket. Order inside a
// bucket is irrelevant.
func Equivalent(a, b ConfigState) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	switch x := a.(type) {
	case *HTTPProxyState:
		y, ok := b.(*HTTPProxyState)
		return ok && IsHTTPStateEquivalent(x, y)
	case *TLSProxyState:
		y, ok := b.(*TLSProxyState)
		return ok && IsTLSStateEquivalent(x, y)
	}
	return a.Kind() == b.Kind()
}

// IsHTTPStateEquivalent checks two HTTP states for equal routing
func IsHTTPStateEquivalent(a, b *HTTPProxyState) bool {
	if a == nil || b == nil {
		return false
	}
	if a.IPAddress != b.IPAddress || a.Port != b.Port {
		return false
	}
	return sameBuckets(a.Fronts, b.Fronts) && sameBuckets(a.Instances, b.Instances)
}

// IsTLSStateEquivalent checks two TLS states for equal routing and certificates
func IsTLSStateEquivalent(a, b *TLSProxyState) bool {
	if a == nil || b == nil {
		return false
	}
	if a.IPAddress != b.IPAddress || a.Port != b.Port {
		return false
	}
	if len(a.Certificates) != len(b.Certificates) {
		return false
	}
	for fp, cert := range a.Certificates {
		if other, ok := b.Certificates[fp]; !ok || other != cert {
			return false
		}
	}
	return sameBuckets(a.Fronts, b.Fronts) && sameBuckets(a.Instances, b.Instances)
}

// Check whether two backends are equivalent in the context of update coalescing
func IsBackendEquivalent(backendA *Backend, backendB *Backend) bool {
	if backendA == nil || backendB == nil {
		return false
	}
	return backendA.Name == backendB.Name && backendA.Instance == backendB.Instance
}

// Check whether two Ingresses are equivalent in the context of update coalescing
func IsIngressEquivalent(ingressA *Ingress, ingressB *Ingress) bool {
	if ingressA == nil || ingressB == nil {
		return false
	}
	if ingressA.Name != ingressB.Name {
		return false
	}
	if len(ingressA.Fronts) != len(ingressB.Fronts) {
		return false
	}
	for index, value := range ingressA.Fronts {
		if ingressB.Fronts[index] != value {
			return false
		}
	}
	return true
}

// Check whether two whole cluster state objects are equivalent in the context of update coalescing
func IsClusterStateEquivalent(clusterA *ClusterState, clusterB *ClusterState) bool {
	if clusterA == nil || clusterB == nil {
		return false
	}
	if clusterA.Name != clusterB.Name || clusterA.Listener != clusterB.Listener {
		return false
	}
	if len(clusterA.Fronts) != len(clusterB.Fronts) || len(clusterA.Instances) != len(clusterB.Instances) {
		return false
	}
	for index, value := range clusterA.Fronts {
		if clusterB.Fronts[index] != value {
			return false
		}
	}
	for index, value := range clusterA.Instances {
		if clusterB.Instances[index] != value {
			return false
		}
	}
	return true
}

// ListenerAddress returns the bind address of a state. TCP states have none.
func ListenerAddress(s ConfigState) (string, uint16) {
	switch v := s.(type) {
	case *HTTPProxyState:
		return v.IPAddress, v.Port
	case *TLSProxyState:
		return v.IPAddress, v.Port
	}
	return "", 0
}
