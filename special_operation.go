package ygggo_amysql

import "fmt"

// ResetOperation resets the session state of a connection.
type ResetOperation struct {
	operationBase
}

func newResetOperation(conn *connectionProxy) *ResetOperation {
	op := &ResetOperation{}
	op.init(conn.get().client, conn, OperationTypeReset, op)
	op.timeout = conn.get().opts.QueryTimeout
	return op
}

func (op *ResetOperation) advance() stepOutcome {
	h := op.handle()
	switch op.client.handler.ResetConn(h) {
	case StatusPending:
		return stepPending
	case StatusDone:
		return stepSucceeded
	}
	op.setHandleError(ErrorKindProtocol, h)
	return stepFailed
}

func (op *ResetOperation) onTimeout() {
	op.setError(ErrorKindTimeout, CRServerLost,
		fmt.Sprintf("[%d](Mysql Client) Reset connection timed out after %s", CRServerLost, op.timeout))
}

func (op *ResetOperation) onComplete(result OperationResult) {
	conn := op.connection()
	if conn == nil || conn.holder == nil {
		return
	}
	if result == OperationResultSucceeded {
		conn.holder.needResetBeforeReuse.Store(false)
		conn.inTransaction.Store(false)
		return
	}
	if op.bound {
		conn.holder.SetReusable(false)
	}
}

// ChangeUserOperation re-authenticates a connection as another user.
type ChangeUserOperation struct {
	operationBase
	user     string
	password string
	database string
}

func newChangeUserOperation(conn *connectionProxy, user, password, database string) *ChangeUserOperation {
	op := &ChangeUserOperation{user: user, password: password, database: database}
	op.init(conn.get().client, conn, OperationTypeChangeUser, op)
	op.timeout = conn.get().opts.ConnectTimeout + changeUserTimeoutPadding
	return op
}

func (op *ChangeUserOperation) User() string { return op.user }

func (op *ChangeUserOperation) Database() string { return op.database }

func (op *ChangeUserOperation) advance() stepOutcome {
	h := op.handle()
	switch op.client.handler.ChangeUser(h, op.user, op.password, op.database) {
	case StatusPending:
		return stepPending
	case StatusDone:
		return stepSucceeded
	}
	op.setHandleError(ErrorKindProtocol, h)
	return stepFailed
}

func (op *ChangeUserOperation) onTimeout() {
	op.setError(ErrorKindTimeout, CRServerLost,
		fmt.Sprintf("[%d](Mysql Client) Change user to %s timed out after %s", CRServerLost, op.user, op.timeout))
}

func (op *ChangeUserOperation) onComplete(result OperationResult) {
	conn := op.connection()
	if conn == nil || conn.holder == nil {
		return
	}
	if result != OperationResultSucceeded {
		if op.bound {
			conn.holder.SetReusable(false)
		}
		return
	}
	conn.key = conn.key.withUser(op.user, op.password, op.database)
	conn.holder.key = conn.key
	conn.inTransaction.Store(false)
}

// BeginReset creates a reset operation that takes ownership of conn.
func BeginReset(conn *Connection) (*ResetOperation, error) {
	if err := conn.claim(OperationTypeReset); err != nil {
		return nil, err
	}
	op := newResetOperation(ownedConnection(conn))
	conn.wireCallbacks(&op.operationBase)
	conn.client.addOperation(&op.operationBase)
	return op, nil
}

// BeginChangeUser creates a change-user operation that takes ownership of conn.
func BeginChangeUser(conn *Connection, user, password, database string) (*ChangeUserOperation, error) {
	if err := conn.claim(OperationTypeChangeUser); err != nil {
		return nil, err
	}
	op := newChangeUserOperation(ownedConnection(conn), user, password, database)
	conn.wireCallbacks(&op.operationBase)
	conn.client.addOperation(&op.operationBase)
	return op, nil
}
