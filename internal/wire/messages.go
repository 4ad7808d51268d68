package wire

// ProtocolVersion is carried in every heartbeat. Peers with a different
// version are rejected during the link handshake.
const ProtocolVersion uint8 = 3

type MsgID uint8

const (
	MsgHeartbeat                 MsgID = 0
	MsgSetMode                   MsgID = 11
	MsgAttitude                  MsgID = 30
	MsgGlobalPosition            MsgID = 33
	MsgVFRHUD                    MsgID = 74
	MsgCommandLong               MsgID = 76
	MsgCommandAck                MsgID = 77
	MsgSetPositionTargetLocalNED MsgID = 84
)

func (id MsgID) String() string {
	switch id {
	case MsgHeartbeat:
		return "HEARTBEAT"
	case MsgSetMode:
		return "SET_MODE"
	case MsgAttitude:
		return "ATTITUDE"
	case MsgGlobalPosition:
		return "GLOBAL_POSITION"
	case MsgVFRHUD:
		return "VFR_HUD"
	case MsgCommandLong:
		return "COMMAND_LONG"
	case MsgCommandAck:
		return "COMMAND_ACK"
	case MsgSetPositionTargetLocalNED:
		return "SET_POSITION_TARGET_LOCAL_NED"
	default:
		return "UNKNOWN"
	}
}

// Message is any typed protocol message.
type Message interface {
	ID() MsgID
}

// Vehicle types reported in Heartbeat.Type.
const (
	TypeGeneric   uint8 = 0
	TypeQuadrotor uint8 = 2
	TypeGCS       uint8 = 6
)

// System status values reported in Heartbeat.SystemStatus.
const (
	StatusUninit   uint8 = 0
	StatusBoot     uint8 = 1
	StatusStandby  uint8 = 3
	StatusActive   uint8 = 4
	StatusCritical uint8 = 5
)

type Heartbeat struct {
	Type         uint8  `msgpack:"type"`
	CustomMode   uint32 `msgpack:"custom_mode"`
	Armed        bool   `msgpack:"armed"`
	SystemStatus uint8  `msgpack:"system_status"`
	Version      uint8  `msgpack:"version"`
}

func (*Heartbeat) ID() MsgID { return MsgHeartbeat }

// Attitude angles are radians.
type Attitude struct {
	TimeBootMs uint32  `msgpack:"time_boot_ms"`
	Roll       float32 `msgpack:"roll"`
	Pitch      float32 `msgpack:"pitch"`
	Yaw        float32 `msgpack:"yaw"`
}

func (*Attitude) ID() MsgID { return MsgAttitude }

// VFRHUD carries the values a HUD shows: speeds in m/s, heading in degrees
// (0..360), altitude in meters (relative to home) and climb rate in m/s.
type VFRHUD struct {
	Airspeed    float32 `msgpack:"airspeed"`
	Groundspeed float32 `msgpack:"groundspeed"`
	Heading     int16   `msgpack:"heading"`
	Alt         float32 `msgpack:"alt"`
	Climb       float32 `msgpack:"climb"`
}

func (*VFRHUD) ID() MsgID { return MsgVFRHUD }

// GlobalPosition: Lat/Lon in degE7, RelativeAlt in millimeters, Hdg in
// centidegrees (UINT16_MAX when unknown).
type GlobalPosition struct {
	TimeBootMs  uint32 `msgpack:"time_boot_ms"`
	Lat         int32  `msgpack:"lat"`
	Lon         int32  `msgpack:"lon"`
	RelativeAlt int32  `msgpack:"relative_alt"`
	Hdg         uint16 `msgpack:"hdg"`
}

func (*GlobalPosition) ID() MsgID { return MsgGlobalPosition }

type SetMode struct {
	TargetSystem uint8  `msgpack:"target_system"`
	CustomMode   uint32 `msgpack:"custom_mode"`
}

func (*SetMode) ID() MsgID { return MsgSetMode }

// Command identifiers used in CommandLong.
const (
	CmdNavTakeoff         uint16 = 22
	CmdNavLand            uint16 = 21
	CmdComponentArmDisarm uint16 = 400
)

type CommandLong struct {
	TargetSystem uint8      `msgpack:"target_system"`
	Command      uint16     `msgpack:"command"`
	Confirmation uint8      `msgpack:"confirmation"`
	Params       [7]float32 `msgpack:"params"`
}

func (*CommandLong) ID() MsgID { return MsgCommandLong }

// Command results reported in CommandAck.Result.
const (
	ResultAccepted    uint8 = 0
	ResultTemporarily uint8 = 1
	ResultDenied      uint8 = 2
	ResultUnsupported uint8 = 3
	ResultFailed      uint8 = 4
)

type CommandAck struct {
	Command uint16 `msgpack:"command"`
	Result  uint8  `msgpack:"result"`
}

func (*CommandAck) ID() MsgID { return MsgCommandAck }

const (
	FrameLocalNED uint8 = 1

	// VelocityOnlyTypeMask ignores position, acceleration, yaw and yaw rate.
	VelocityOnlyTypeMask uint16 = 0b0000111111000111
)

type SetPositionTargetLocalNED struct {
	TimeBootMs      uint32  `msgpack:"time_boot_ms"`
	TargetSystem    uint8   `msgpack:"target_system"`
	CoordinateFrame uint8   `msgpack:"frame"`
	TypeMask        uint16  `msgpack:"type_mask"`
	Vx              float32 `msgpack:"vx"`
	Vy              float32 `msgpack:"vy"`
	Vz              float32 `msgpack:"vz"`
}

func (*SetPositionTargetLocalNED) ID() MsgID { return MsgSetPositionTargetLocalNED }

// VelocityTarget builds a velocity-only setpoint in the local NED frame.
func VelocityTarget(target uint8, vx, vy, vz float64) *SetPositionTargetLocalNED {
	return &SetPositionTargetLocalNED{
		TargetSystem:    target,
		CoordinateFrame: FrameLocalNED,
		TypeMask:        VelocityOnlyTypeMask,
		Vx:              float32(vx),
		Vy:              float32(vy),
		Vz:              float32(vz),
	}
}

func newMessage(id MsgID) Message {
	switch id {
	case MsgHeartbeat:
		return &Heartbeat{}
	case MsgSetMode:
		return &SetMode{}
	case MsgAttitude:
		return &Attitude{}
	case MsgGlobalPosition:
		return &GlobalPosition{}
	case MsgVFRHUD:
		return &VFRHUD{}
	case MsgCommandLong:
		return &CommandLong{}
	case MsgCommandAck:
		return &CommandAck{}
	case MsgSetPositionTargetLocalNED:
		return &SetPositionTargetLocalNED{}
	default:
		return nil
	}
}
