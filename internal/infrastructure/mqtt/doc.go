// Package mqtt is the merossd broker session.
//
// merossd connects as an app ("app:<app id>") with credentials derived
// from the account, see CloudCredentials. Requests go to
// /appliance/<uuid>/subscribe; devices answer on the reply topic named in
// the request header and push unsolicited updates to the user topic, or
// to /appliance/<uuid>/publish on a local broker. The topic builders live
// in the protocol package.
//
// The client keeps its own subscription table and replays it after every
// reconnect, so callers subscribe once at startup:
//
//	c, err := mqtt.Connect(mqtt.CloudCredentials(cfg.MQTT, userID, key, appID), logger)
//	if err != nil {
//	    return err
//	}
//	defer c.Close()
//	err = c.Subscribe(protocol.AppReplyTopic(userID, appID), 1, mgr.HandleMQTTMessage)
package mqtt
