// Package influxdb records XMV channel telemetry in InfluxDB.
//
// It wraps the official influxdb-client-go v2 library. Two measurements are
// written:
//
//   - xmv_channel: one point per confirmed channel change
//     (tags: channel_id, channel_name; fields: power, volume_db, volume, muted, available)
//   - xmv_connection: one point per device link state change
//     (tags: device; fields: state, connected)
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.WriteChannel(influxdb.ChannelSample{ChannelID: 4, Name: "Zone1", VolumeDB: -20})
//
// Writes are non-blocking and batched (batch_size, flush_interval); failures
// arrive through SetOnError.
package influxdb
