// Package http binds the acquisition engine to HTTP.
//
// Server exposes two boundaries on one router:
//
//   - the management API under /api (sensors, DAQ groups, alerts, stored
//     data queries), plus /healthz and /metrics
//   - the streaming boundary at /ws, a websocket carrying a small control
//     protocol and reading frames
//
// # Management API
//
//	POST   /api/sensors                     register a sensor (body: sensor metadata)
//	GET    /api/sensors                     list (?category=&connection_type=&tag=&tag_value=)
//	POST   /api/sensors/discover            discover devices behind a transport
//	GET    /api/sensors/{id}                metadata, configuration and state
//	PATCH  /api/sensors/{id}                partial update
//	DELETE /api/sensors/{id}                remove a stopped sensor
//	PUT    /api/sensors/{id}/config         replace the acquisition configuration
//	POST   /api/sensors/{id}/start|stop|pause|resume
//	POST   /api/sensors/{id}/command        write to the device (body: {"channel":0,"name":"...","payload":"<base64>"})
//	GET    /api/sensors/{id}/query          stored points (?from=&to=&decimation=; RFC 3339 or Unix ms)
//	POST   /api/groups                      create a DAQ group
//	GET    /api/groups[/{id}]
//	DELETE /api/groups/{id}
//	POST   /api/groups/{id}/start|stop
//	POST   /api/alerts                      create an alert rule
//	GET    /api/alerts[/{id}]
//	DELETE /api/alerts/{id}
//	GET    /api/alerts/events?state=        open and resolved events (active|resolved)
//	POST   /api/alerts/events/{id}/ack      acknowledge (body: {"by": "..."})
//	GET    /api/stream/diagnostics          subscriber queues and drop counts
//
// Errors are JSON objects {"error": "...", "status": N}. Invalid input maps
// to 400, unknown ids to 404, conflicts with the current state (duplicate
// sensor, running acquisition, non hot-swappable change) to 409 and an
// unavailable engine to 503.
//
// # Streaming protocol
//
// Every control message is a JSON text frame with a "type":
//
//	-> {"type":"subscribe","sensors":[...],"patterns":["sensors/+/0"],"format":"json","max_rate":10}
//	<- {"type":"subscribe","subscription":"<uuid>"}
//	-> {"type":"config","subscription":"<uuid>","max_rate":2}
//	-> {"type":"unsubscribe","subscription":"<uuid>"}
//	-> {"type":"heartbeat"}
//	<- {"type":"heartbeat","timestamp":1700000000000}
//	<- {"type":"error","message":"..."}
//
// Readings of a "binary" subscription (the default) arrive as binary frames
// holding one wire packet each. Readings of a "json" subscription arrive as
// {"type":"data","subscription":"<uuid>","packet":{...}} text frames.
package http
