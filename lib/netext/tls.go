package netext

import (
	"crypto/tls"

	"golang.org/x/crypto/ocsp"
)

// TLS versions as they are reported to scripts and spans.
const (
	TLSVersion10 = "tls1.0"
	TLSVersion11 = "tls1.1"
	TLSVersion12 = "tls1.2"
	TLSVersion13 = "tls1.3"
)

// Stapled OCSP response statuses.
const (
	OCSPStatusGood         = "good"
	OCSPStatusRevoked      = "revoked"
	OCSPStatusServerFailed = "server_failed"
	OCSPStatusUnknown      = "unknown"
)

// TLSInfo describes the TLS connection a response was received on.
type TLSInfo struct {
	Version     string
	CipherSuite string
	OCSPStatus  string
}

// ParseTLSConnState extracts the TLSInfo of a connection state.
func ParseTLSConnState(state *tls.ConnectionState) TLSInfo {
	info := TLSInfo{
		CipherSuite: tls.CipherSuiteName(state.CipherSuite),
		OCSPStatus:  OCSPStatusUnknown,
	}

	switch state.Version {
	case tls.VersionTLS10:
		info.Version = TLSVersion10
	case tls.VersionTLS11:
		info.Version = TLSVersion11
	case tls.VersionTLS12:
		info.Version = TLSVersion12
	case tls.VersionTLS13:
		info.Version = TLSVersion13
	}

	if len(state.OCSPResponse) == 0 {
		return info
	}
	res, err := ocsp.ParseResponse(state.OCSPResponse, nil)
	if err != nil {
		return info
	}
	switch res.Status {
	case ocsp.Good:
		info.OCSPStatus = OCSPStatusGood
	case ocsp.Revoked:
		info.OCSPStatus = OCSPStatusRevoked
	case ocsp.ServerFailed:
		info.OCSPStatus = OCSPStatusServerFailed
	}

	return info
}
