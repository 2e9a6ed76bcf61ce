package protocol

// Namespaces understood by the core. Devices may announce many more in
// their ability map; anything not listed here is ignored on receipt.
const (
	// System
	NamespaceSystemAll      = "Appliance.System.All"
	NamespaceSystemAbility  = "Appliance.System.Ability"
	NamespaceSystemOnline   = "Appliance.System.Online"
	NamespaceSystemReport   = "Appliance.System.Report"
	NamespaceSystemDebug    = "Appliance.System.Debug"
	NamespaceSystemClock    = "Appliance.System.Clock"
	NamespaceSystemFirmware = "Appliance.System.Firmware"
	NamespaceControlBind    = "Appliance.Control.Bind"
	NamespaceControlUnbind  = "Appliance.Control.Unbind"
	NamespaceControlUpgrade = "Appliance.Control.Upgrade"

	// Encryption
	NamespaceEncryptSuite = "Appliance.Encrypt.Suite"
	NamespaceEncryptECDHE = "Appliance.Encrypt.ECDHE"

	// Control
	NamespaceControlToggle      = "Appliance.Control.Toggle"
	NamespaceControlToggleX     = "Appliance.Control.ToggleX"
	NamespaceControlLight       = "Appliance.Control.Light"
	NamespaceControlElectricity = "Appliance.Control.Electricity"

	// Garage door and roller shutter
	NamespaceGarageDoorState       = "Appliance.GarageDoor.State"
	NamespaceRollerShutterState    = "Appliance.RollerShutter.State"
	NamespaceRollerShutterPosition = "Appliance.RollerShutter.Position"

	// Hub
	NamespaceHubOnline          = "Appliance.Hub.Online"
	NamespaceHubToggleX         = "Appliance.Hub.ToggleX"
	NamespaceHubBattery         = "Appliance.Hub.Battery"
	NamespaceHubSubdeviceList   = "Appliance.Hub.SubdeviceList"
	NamespaceHubException       = "Appliance.Hub.Exception"
	NamespaceHubSensorAll       = "Appliance.Hub.Sensor.All"
	NamespaceHubSensorTempHum   = "Appliance.Hub.Sensor.TempHum"
	NamespaceHubSensorAlert     = "Appliance.Hub.Sensor.Alert"
	NamespaceHubSensorWaterLeak = "Appliance.Hub.Sensor.WaterLeak"
	NamespaceHubSensorSmoke     = "Appliance.Hub.Sensor.Smoke"
	NamespaceHubMts100All       = "Appliance.Hub.Mts100.All"
	NamespaceHubMts100Temp      = "Appliance.Hub.Mts100.Temperature"
	NamespaceHubMts100Mode      = "Appliance.Hub.Mts100.Mode"
)

// IsEncryptionNamespace reports whether ns announces LAN payload encryption.
func IsEncryptionNamespace(ns string) bool {
	return ns == NamespaceEncryptSuite || ns == NamespaceEncryptECDHE
}
