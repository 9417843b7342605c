package version

// Version is the current version of the UAS server
const Version = "0.1.0"

// UserAgent returns the User-Agent string for SIP requests
func UserAgent() string {
	return "uas-server/" + Version
}

// ServerHeader returns the Server header value for SIP responses
func ServerHeader() string {
	return "uas-server/" + Version
}
