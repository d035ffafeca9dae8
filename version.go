package edgeproxy

const (
	// EngineName identifies this proxy in outbound Via headers and in the
	// x-edgeproxy-engine header attached to replayed responses.
	EngineName = "CDN_EdgeProxy"

	// EngineVersion is the release version of the proxy core.
	EngineVersion = "1.1.0"
)

// EngineToken returns the name/version token for the x-edgeproxy-engine header.
func EngineToken() string {
	return EngineName + "/" + EngineVersion
}

// ViaValue returns the value sent in the Via header on outbound fetches.
func ViaValue() string {
	return "1.1 " + EngineName
}
