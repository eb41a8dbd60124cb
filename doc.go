// Package meshcoap provides the client session layer of a Thread device that reports
// to a single CoAP peer.
//
// A Session tracks the device's mesh role, keeps one current peer IPv6 address
// (resolved through DNS or fixed), and sends one CoAP request to that peer on every
// tick:
//
//   - no peer known: resolve the hostname, apply the answer when it arrives
//   - peer known: build and send the configured request, fire-and-forget
//   - role lost or partition changed: forget the peer, ignore answers already in flight
//
// Basic usage:
//
//	transport := meshcoap.NewCoAPTransport(meshcoap.CoAPTransportConfig{})
//	mesh := meshcoap.NewStaticMesh(meshcoap.RoleChild, true)
//
//	session, err := meshcoap.NewSession(meshcoap.Config{
//	    Hostname:      "coap.thethings.io",
//	    URIPath:       "v2/things/{THING-TOKEN}",
//	    ContentFormat: meshcoap.ContentFormatJSON,
//	}, mesh, transport,
//	    meshcoap.WithPayload(meshcoap.JSONValues("temp", readTemperature)),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	if err := session.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer session.Close()
package meshcoap
