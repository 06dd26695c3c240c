// Package mqtt mirrors trigger events onto an MQTT broker and,
// optionally, accepts remote triggers from it.
//
// The mirror uses Eclipse Paho v2's [autopaho] package for connection
// management with automatic reconnection. On every (re-)connect it
// publishes a birth message ("online") to the availability topic,
// re-subscribes to the remote trigger topic when enabled, and refreshes
// the retained Home Assistant device trigger discovery payload when
// discovery is enabled. A will message ensures the availability topic
// transitions to "offline" on unexpected disconnects.
//
// Topics, relative to the configured base topic:
//
//	<base>/availability   online | offline (retained)
//	<base>/trigger        one JSON event per trigger broadcast
//	<base>/trigger/set    inbound; any payload raises a broadcast
package mqtt
