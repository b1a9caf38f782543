package ygggo_amysql

// Compile-time checks that the implementations satisfy the interfaces they are
// handed out as.
var (
	_ operationKind = (*ConnectOperation)(nil)
	_ operationKind = (*QueryOperation)(nil)
	_ operationKind = (*MultiQueryOperation)(nil)
	_ operationKind = (*MultiQueryStreamOperation)(nil)
	_ operationKind = (*ResetOperation)(nil)
	_ operationKind = (*ChangeUserOperation)(nil)

	_ fetchSink = (*resultCollector)(nil)
	_ fetchSink = (*MultiQueryStreamOperation)(nil)

	_ Handler      = (*DriverHandler)(nil)
	_ Handler      = (*MockHandler)(nil)

	_ HandleAbandoner = (*DriverHandler)(nil)
	_ NativeHandle = (*driverHandle)(nil)
	_ NativeHandle = (*mockHandle)(nil)

	_ DBLogger  = (*SlogDBLogger)(nil)
	_ DBLogger  = (*SlowQueryRecorder)(nil)
	_ DBLogger  = TeeDBLogger(nil)
	_ DBCounter = (*SimpleDBCounter)(nil)

	_ PostQueryResult = (*QueryResult)(nil)
	_ PostQueryResult = (*MultiQueryResult)(nil)
)
