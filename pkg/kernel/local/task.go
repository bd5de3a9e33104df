package local

import (
	"sync/atomic"

	"github.com/marmos91/helium/pkg/kernel"
)

// Task is the kernel.Syscalls view bound to one hosted process.
type Task struct {
	kernel  *Kernel
	process *process
}

var _ kernel.Syscalls = (*Task)(nil)

func errc(code kernel.ErrorCode, syscall string) error {
	return kernel.NewError(code, syscall)
}

// Pid returns the pid this view is bound to.
func (t *Task) Pid() uint64 {
	return t.process.pid
}

func alignUp(v uintptr) uintptr {
	return (v + kernel.PageSize - 1) &^ uintptr(kernel.PageSize-1)
}

// --- process syscalls ---

func (t *Task) ProcessOpenSelf() (kernel.Handle, error) {
	t.kernel.mu.Lock()
	defer t.kernel.mu.Unlock()

	return t.process.insertHandle(&processRef{target: t.process}), nil
}

func (t *Task) ProcessOpen(pid uint64) (kernel.Handle, error) {
	t.kernel.mu.Lock()
	defer t.kernel.mu.Unlock()

	target, ok := t.kernel.processes[pid]
	if !ok {
		return kernel.InvalidHandle, errc(kernel.ErrObjectNotFound, "process_open")
	}
	return t.process.insertHandle(&processRef{target: target}), nil
}

func (t *Task) ProcessCreate(name string) (kernel.Handle, uint64, error) {
	t.kernel.mu.Lock()
	defer t.kernel.mu.Unlock()

	p := t.kernel.newProcessLocked(name)
	h := t.process.insertHandle(&processRef{target: p})
	return h, p.pid, nil
}

func (t *Task) resolveProcess(h kernel.Handle, syscall string) (*process, error) {
	obj, ok := t.process.lookup(h, kernel.HandleTypeProcess)
	if !ok {
		return nil, errc(kernel.ErrInvalidArgument, syscall)
	}
	return obj.(*processRef).target, nil
}

func (t *Task) ProcessMMap(ph kernel.Handle, addr uintptr, size uintptr, perms kernel.Permissions, mobjh kernel.Handle, offset uintptr) (uintptr, error) {
	t.kernel.mu.Lock()
	defer t.kernel.mu.Unlock()

	target, err := t.resolveProcess(ph, "process_mmap")
	if err != nil {
		return 0, err
	}
	if size == 0 || size%kernel.PageSize != 0 || addr%kernel.PageSize != 0 || offset%kernel.PageSize != 0 {
		return 0, errc(kernel.ErrInvalidArgument, "process_mmap")
	}

	var mo *memObject
	if mobjh.Valid() {
		obj, ok := t.process.lookup(mobjh, kernel.HandleTypeMemoryObject)
		if !ok {
			return 0, errc(kernel.ErrInvalidArgument, "process_mmap")
		}
		mo = obj.(*memObjectRef).target
		if offset+size > alignUp(uintptr(len(mo.data))) {
			return 0, errc(kernel.ErrInvalidArgument, "process_mmap")
		}
	}

	if addr == 0 {
		addr = target.findFreeRange(size)
	} else if target.overlaps(addr, size) {
		return 0, errc(kernel.ErrInvalidArgument, "process_mmap")
	}

	m := &mapping{addr: addr, size: size, perms: perms, mobj: mo, off: offset}
	if mo != nil {
		mo.addRef()
	}
	target.insertMapping(m)
	return addr, nil
}

func (t *Task) ProcessMUnmap(ph kernel.Handle, addr uintptr, size uintptr) error {
	t.kernel.mu.Lock()
	defer t.kernel.mu.Unlock()

	target, err := t.resolveProcess(ph, "process_munmap")
	if err != nil {
		return err
	}
	for i, m := range target.mappings {
		if m.addr == addr && m.size == size {
			if m.mobj != nil {
				m.mobj.dropRef()
			}
			target.mappings = append(target.mappings[:i], target.mappings[i+1:]...)
			t.kernel.cond.Broadcast()
			return nil
		}
	}
	return errc(kernel.ErrObjectNotFound, "process_munmap")
}

func (t *Task) ProcessMProtect(ph kernel.Handle, addr uintptr, size uintptr, perms kernel.Permissions) error {
	t.kernel.mu.Lock()
	defer t.kernel.mu.Unlock()

	target, err := t.resolveProcess(ph, "process_mprotect")
	if err != nil {
		return err
	}
	for _, m := range target.mappings {
		if m.addr == addr && m.size == size {
			m.perms = perms
			return nil
		}
	}
	return errc(kernel.ErrObjectNotFound, "process_mprotect")
}

func (t *Task) ProcessInfoQuery(ph kernel.Handle) (kernel.ProcessInfo, error) {
	t.kernel.mu.Lock()
	defer t.kernel.mu.Unlock()

	target, err := t.resolveProcess(ph, "process_info")
	if err != nil {
		return kernel.ProcessInfo{}, err
	}
	return kernel.ProcessInfo{
		Pid:          target.pid,
		Name:         target.name,
		Terminated:   target.terminated,
		ThreadCount:  len(target.threads),
		MappingCount: len(target.mappings),
	}, nil
}

func (t *Task) ProcessExit(code int32) error {
	t.kernel.mu.Lock()
	defer t.kernel.mu.Unlock()

	t.kernel.terminateLocked(t.process)
	return nil
}

func (t *Task) ProcessKill(ph kernel.Handle) error {
	t.kernel.mu.Lock()
	defer t.kernel.mu.Unlock()

	target, err := t.resolveProcess(ph, "process_kill")
	if err != nil {
		return err
	}
	t.kernel.terminateLocked(target)
	return nil
}

func (t *Task) ProcessList() ([]uint64, error) {
	t.kernel.mu.Lock()
	defer t.kernel.mu.Unlock()

	pids := make([]uint64, 0, len(t.kernel.processes))
	for pid := range t.kernel.processes {
		pids = append(pids, pid)
	}
	return pids, nil
}

func (t *Task) ProcessSetName(ph kernel.Handle, name string) error {
	t.kernel.mu.Lock()
	defer t.kernel.mu.Unlock()

	target, err := t.resolveProcess(ph, "process_set_name")
	if err != nil {
		return err
	}
	target.name = name
	return nil
}

func (t *Task) ProcessGetName(ph kernel.Handle) (string, error) {
	t.kernel.mu.Lock()
	defer t.kernel.mu.Unlock()

	target, err := t.resolveProcess(ph, "process_get_name")
	if err != nil {
		return "", err
	}
	return target.name, nil
}

// --- thread syscalls ---

func (t *Task) ThreadCreate(ph kernel.Handle, opts kernel.ThreadOptions) (kernel.Handle, uint64, error) {
	t.kernel.mu.Lock()
	defer t.kernel.mu.Unlock()

	target, err := t.resolveProcess(ph, "thread_create")
	if err != nil {
		return kernel.InvalidHandle, 0, err
	}
	if target.terminated {
		return kernel.InvalidHandle, 0, errc(kernel.ErrObjectClosed, "thread_create")
	}

	t.kernel.nextTid++
	th := &thread{tid: t.kernel.nextTid, owner: target, name: opts.Name, priority: opts.Priority}
	target.threads = append(target.threads, th)
	t.kernel.notifyThreadEventLocked(kernel.ThreadEvent{Type: kernel.ThreadEventCreated, Tid: th.tid, Pid: target.pid})

	return t.process.insertHandle(&threadRef{target: th}), th.tid, nil
}

func (t *Task) ThreadOpen(tid uint64) (kernel.Handle, error) {
	t.kernel.mu.Lock()
	defer t.kernel.mu.Unlock()

	for _, p := range t.kernel.processes {
		for _, th := range p.threads {
			if th.tid == tid {
				return t.process.insertHandle(&threadRef{target: th}), nil
			}
		}
	}
	return kernel.InvalidHandle, errc(kernel.ErrObjectNotFound, "thread_open")
}

func (t *Task) resolveThread(h kernel.Handle, syscall string) (*thread, error) {
	obj, ok := t.process.lookup(h, kernel.HandleTypeThread)
	if !ok {
		return nil, errc(kernel.ErrInvalidArgument, syscall)
	}
	return obj.(*threadRef).target, nil
}

func (t *Task) ThreadExit() error {
	// Hosted threads are goroutines; nothing kernel-side to tear down beyond
	// the record, which the hosting layer terminates with its process.
	return nil
}

func (t *Task) ThreadKill(h kernel.Handle) error {
	t.kernel.mu.Lock()
	defer t.kernel.mu.Unlock()

	th, err := t.resolveThread(h, "thread_kill")
	if err != nil {
		return err
	}
	if !th.terminated {
		th.terminated = true
		t.kernel.notifyThreadEventLocked(kernel.ThreadEvent{Type: kernel.ThreadEventTerminated, Tid: th.tid, Pid: th.owner.pid})
	}
	return nil
}

func (t *Task) ThreadSetPriority(h kernel.Handle, priority int) error {
	t.kernel.mu.Lock()
	defer t.kernel.mu.Unlock()

	th, err := t.resolveThread(h, "thread_set_priority")
	if err != nil {
		return err
	}
	th.priority = priority
	return nil
}

func (t *Task) ThreadSetName(h kernel.Handle, name string) error {
	t.kernel.mu.Lock()
	defer t.kernel.mu.Unlock()

	th, err := t.resolveThread(h, "thread_set_name")
	if err != nil {
		return err
	}
	th.name = name
	return nil
}

func (t *Task) ThreadGetName(h kernel.Handle) (string, error) {
	t.kernel.mu.Lock()
	defer t.kernel.mu.Unlock()

	th, err := t.resolveThread(h, "thread_get_name")
	if err != nil {
		return "", err
	}
	return th.name, nil
}

func (t *Task) ThreadInfoQuery(h kernel.Handle) (kernel.ThreadInfo, error) {
	t.kernel.mu.Lock()
	defer t.kernel.mu.Unlock()

	th, err := t.resolveThread(h, "thread_info")
	if err != nil {
		return kernel.ThreadInfo{}, err
	}
	return kernel.ThreadInfo{
		Tid:        th.tid,
		Pid:        th.owner.pid,
		Name:       th.name,
		Priority:   th.priority,
		Terminated: th.terminated,
	}, nil
}

func (t *Task) ThreadList() ([]uint64, error) {
	t.kernel.mu.Lock()
	defer t.kernel.mu.Unlock()

	var tids []uint64
	for _, p := range t.kernel.processes {
		for _, th := range p.threads {
			tids = append(tids, th.tid)
		}
	}
	return tids, nil
}

func (t *Task) ThreadErrorInfoQuery(h kernel.Handle) (kernel.ThreadErrorInfo, error) {
	t.kernel.mu.Lock()
	defer t.kernel.mu.Unlock()

	if _, err := t.resolveThread(h, "thread_error_info"); err != nil {
		return kernel.ThreadErrorInfo{}, err
	}
	// Hosted threads are goroutines; faults surface as Go panics, not
	// kernel thread errors.
	return kernel.ThreadErrorInfo{}, nil
}

func (t *Task) ThreadResume(h kernel.Handle) error {
	t.kernel.mu.Lock()
	defer t.kernel.mu.Unlock()

	if _, err := t.resolveThread(h, "thread_resume"); err != nil {
		return err
	}
	// The hosted kernel never stops threads, so resume is a no-op.
	return nil
}

func (t *Task) ThreadContextQuery(h kernel.Handle) (kernel.ThreadContext, error) {
	t.kernel.mu.Lock()
	defer t.kernel.mu.Unlock()

	if _, err := t.resolveThread(h, "thread_context"); err != nil {
		return kernel.ThreadContext{}, err
	}
	return kernel.ThreadContext{}, errc(kernel.ErrNotSupported, "thread_context")
}

func (t *Task) ThreadUpdateContext(h kernel.Handle, _ kernel.ThreadContext) error {
	t.kernel.mu.Lock()
	defer t.kernel.mu.Unlock()

	if _, err := t.resolveThread(h, "thread_update_context"); err != nil {
		return err
	}
	return errc(kernel.ErrNotSupported, "thread_update_context")
}

// --- memory object syscalls ---

func (t *Task) MemoryObjectCreate(size uintptr) (kernel.Handle, error) {
	t.kernel.mu.Lock()
	defer t.kernel.mu.Unlock()

	if size == 0 {
		return kernel.InvalidHandle, errc(kernel.ErrInvalidArgument, "memory_object_create")
	}
	mo := &memObject{data: make([]byte, alignUp(size))}
	mo.addRef()
	return t.process.insertHandle(&memObjectRef{target: mo}), nil
}

func (t *Task) MemoryObjectSize(h kernel.Handle) (uintptr, error) {
	t.kernel.mu.Lock()
	defer t.kernel.mu.Unlock()

	obj, ok := t.process.lookup(h, kernel.HandleTypeMemoryObject)
	if !ok {
		return 0, errc(kernel.ErrInvalidArgument, "memory_object_size")
	}
	return uintptr(len(obj.(*memObjectRef).target.data)), nil
}

// MemoryBytes exposes the backing bytes of a mapped memory object to hosted
// Go code. On real hardware this is a load/store through the mapped address,
// not a syscall; the hosted rendition needs an explicit channel.
func (t *Task) MemoryBytes(h kernel.Handle, offset, length uintptr) ([]byte, error) {
	t.kernel.mu.Lock()
	defer t.kernel.mu.Unlock()

	obj, ok := t.process.lookup(h, kernel.HandleTypeMemoryObject)
	if !ok {
		return nil, errc(kernel.ErrInvalidArgument, "memory_bytes")
	}
	mo := obj.(*memObjectRef).target
	if offset+length > uintptr(len(mo.data)) {
		return nil, errc(kernel.ErrMemoryAccessDenied, "memory_bytes")
	}
	return mo.data[offset : offset+length], nil
}

// --- ipc syscalls ---

func (t *Task) IPCCreate(name string) (kernel.Handle, kernel.Handle, error) {
	t.kernel.mu.Lock()
	defer t.kernel.mu.Unlock()

	if name != "" {
		if _, exists := t.kernel.portNames[name]; exists {
			return kernel.InvalidHandle, kernel.InvalidHandle, errc(kernel.ErrObjectNameDuplicate, "ipc_create")
		}
	}

	t.kernel.nextPortID++
	p := &port{id: t.kernel.nextPortID, name: name, senderRefs: 1, receiverRefs: 1}
	if name != "" {
		t.kernel.portNames[name] = p
	}

	recv := t.process.insertHandle(&portReceiverRef{target: p})
	send := t.process.insertHandle(&portSenderRef{target: p})
	return recv, send, nil
}

func (t *Task) IPCOpenByName(name string) (kernel.Handle, error) {
	t.kernel.mu.Lock()
	defer t.kernel.mu.Unlock()

	p, ok := t.kernel.portNames[name]
	if !ok {
		return kernel.InvalidHandle, errc(kernel.ErrObjectNotFound, "ipc_open")
	}
	p.senderRefs++
	return t.process.insertHandle(&portSenderRef{target: p}), nil
}

func (t *Task) IPCOpenByID(id uint64) (kernel.Handle, error) {
	t.kernel.mu.Lock()
	defer t.kernel.mu.Unlock()

	for _, p := range t.kernel.portNames {
		if p.id == id {
			p.senderRefs++
			return t.process.insertHandle(&portSenderRef{target: p}), nil
		}
	}
	return kernel.InvalidHandle, errc(kernel.ErrObjectNotFound, "ipc_open")
}

func (t *Task) IPCSend(sender kernel.Handle, msg *kernel.Message) error {
	t.kernel.mu.Lock()
	defer t.kernel.mu.Unlock()

	obj, ok := t.process.lookup(sender, kernel.HandleTypePortSender)
	if !ok {
		return errc(kernel.ErrInvalidArgument, "ipc_send")
	}
	p := obj.(*portSenderRef).target
	if p.sendClosed() {
		return errc(kernel.ErrObjectClosed, "ipc_send")
	}

	// Validate every handle slot before moving anything: a failed send must
	// leave all handles with the sender.
	qm := &queuedMessage{data: msg.Data}
	for i, h := range msg.Handles {
		if !h.Valid() {
			continue
		}
		entry, ok := t.process.handles[h]
		if !ok {
			return errc(kernel.ErrInvalidArgument, "ipc_send")
		}
		qm.objects[i] = entry.object
	}
	for _, h := range msg.Handles {
		if h.Valid() {
			delete(t.process.handles, h)
		}
	}

	p.queue = append(p.queue, qm)
	t.kernel.cond.Broadcast()
	return nil
}

func (t *Task) IPCReceive(receiver kernel.Handle) (*kernel.Message, error) {
	t.kernel.mu.Lock()
	defer t.kernel.mu.Unlock()

	obj, ok := t.process.lookup(receiver, kernel.HandleTypePortReceiver)
	if !ok {
		return nil, errc(kernel.ErrInvalidArgument, "ipc_receive")
	}
	p := obj.(*portReceiverRef).target
	if !p.recvReady() {
		if p.senderRefs == 0 {
			return nil, errc(kernel.ErrObjectClosed, "ipc_receive")
		}
		return nil, errc(kernel.ErrObjectNotReady, "ipc_receive")
	}

	qm := p.queue[0]
	p.queue = p.queue[1:]

	msg := &kernel.Message{Data: qm.data}
	for i, o := range qm.objects {
		if o != nil {
			msg.Handles[i] = t.process.insertHandle(o)
		}
	}
	return msg, nil
}

func (t *Task) IPCWait(handles []kernel.Handle, ready []bool) error {
	if len(ready) < len(handles) {
		return errc(kernel.ErrInvalidArgument, "ipc_wait")
	}

	t.kernel.mu.Lock()
	defer t.kernel.mu.Unlock()

	for {
		any := false
		for i, h := range handles {
			ok, err := t.readyLocked(h)
			if err != nil {
				return err
			}
			ready[i] = ok
			any = any || ok
		}
		if any {
			return nil
		}
		t.kernel.cond.Wait()
	}
}

func (t *Task) readyLocked(h kernel.Handle) (bool, error) {
	entry, ok := t.process.handles[h]
	if !ok {
		return false, errc(kernel.ErrInvalidArgument, "ipc_wait")
	}
	switch obj := entry.object.(type) {
	case *portReceiverRef:
		return obj.target.recvReady() || obj.target.senderRefs == 0, nil
	case *listenerRef:
		return obj.target.ready() || obj.target.closed, nil
	default:
		return false, errc(kernel.ErrNotSupported, "ipc_wait")
	}
}

// --- listener syscalls ---

func (t *Task) ListenerCreateProcess(filter uint64) (kernel.Handle, error) {
	t.kernel.mu.Lock()
	defer t.kernel.mu.Unlock()

	l := &listener{filter: filter}
	t.kernel.processListeners = append(t.kernel.processListeners, l)
	return t.process.insertHandle(&listenerRef{target: l}), nil
}

func (t *Task) ListenerCreateThread(filter uint64) (kernel.Handle, error) {
	t.kernel.mu.Lock()
	defer t.kernel.mu.Unlock()

	l := &listener{filter: filter}
	t.kernel.threadListeners = append(t.kernel.threadListeners, l)
	return t.process.insertHandle(&listenerRef{target: l}), nil
}

func (t *Task) resolveListener(h kernel.Handle, syscall string) (*listener, error) {
	obj, ok := t.process.lookup(h, kernel.HandleTypeListener)
	if !ok {
		return nil, errc(kernel.ErrInvalidArgument, syscall)
	}
	return obj.(*listenerRef).target, nil
}

func (t *Task) ListenerReceiveProcessEvent(h kernel.Handle) (kernel.ProcessEvent, error) {
	t.kernel.mu.Lock()
	defer t.kernel.mu.Unlock()

	l, err := t.resolveListener(h, "listener_receive")
	if err != nil {
		return kernel.ProcessEvent{}, err
	}
	if len(l.processEvents) == 0 {
		return kernel.ProcessEvent{}, errc(kernel.ErrObjectNotReady, "listener_receive")
	}
	ev := l.processEvents[0]
	l.processEvents = l.processEvents[1:]
	return ev, nil
}

func (t *Task) ListenerReceiveThreadEvent(h kernel.Handle) (kernel.ThreadEvent, error) {
	t.kernel.mu.Lock()
	defer t.kernel.mu.Unlock()

	l, err := t.resolveListener(h, "listener_receive")
	if err != nil {
		return kernel.ThreadEvent{}, err
	}
	if len(l.threadEvents) == 0 {
		return kernel.ThreadEvent{}, errc(kernel.ErrObjectNotReady, "listener_receive")
	}
	ev := l.threadEvents[0]
	l.threadEvents = l.threadEvents[1:]
	return ev, nil
}

// --- futex syscalls ---

func (t *Task) FutexWait(addr *uint32, expected uint32) error {
	t.kernel.mu.Lock()
	defer t.kernel.mu.Unlock()

	q, ok := t.kernel.futexes[addr]
	if !ok {
		q = &futexQueue{}
		t.kernel.futexes[addr] = q
	}
	if q.closed {
		return errc(kernel.ErrObjectClosed, "futex_wait")
	}

	// The value check and the enqueue are atomic with respect to FutexWake
	// because both run under the kernel lock. The word itself is mutated by
	// callers with atomic ops, so read it the same way.
	if atomic.LoadUint32(addr) != expected {
		return nil
	}

	q.waiters++
	for q.wakes == 0 && !q.closed {
		t.kernel.cond.Wait()
	}
	q.waiters--
	if q.closed {
		return errc(kernel.ErrObjectClosed, "futex_wait")
	}
	q.wakes--
	if q.waiters == 0 && q.wakes == 0 {
		delete(t.kernel.futexes, addr)
	}
	return nil
}

func (t *Task) FutexWake(addr *uint32, count int) error {
	t.kernel.mu.Lock()
	defer t.kernel.mu.Unlock()

	q, ok := t.kernel.futexes[addr]
	if !ok || q.waiters == 0 {
		return nil
	}
	if count > q.waiters {
		count = q.waiters
	}
	q.wakes += count
	t.kernel.cond.Broadcast()
	return nil
}

// --- misc ---

func (t *Task) HandleDuplicate(h kernel.Handle) (kernel.Handle, error) {
	t.kernel.mu.Lock()
	defer t.kernel.mu.Unlock()

	entry, ok := t.process.handles[h]
	if !ok {
		return kernel.InvalidHandle, errc(kernel.ErrInvalidArgument, "handle_duplicate")
	}
	switch obj := entry.object.(type) {
	case *memObjectRef:
		obj.target.addRef()
		return t.process.insertHandle(&memObjectRef{target: obj.target}), nil
	case *portSenderRef:
		obj.target.senderRefs++
		return t.process.insertHandle(&portSenderRef{target: obj.target}), nil
	case *portReceiverRef:
		obj.target.receiverRefs++
		return t.process.insertHandle(&portReceiverRef{target: obj.target}), nil
	case *processRef:
		return t.process.insertHandle(&processRef{target: obj.target}), nil
	case *threadRef:
		return t.process.insertHandle(&threadRef{target: obj.target}), nil
	default:
		return kernel.InvalidHandle, errc(kernel.ErrNotSupported, "handle_duplicate")
	}
}

func (t *Task) Close(h kernel.Handle) error {
	t.kernel.mu.Lock()
	defer t.kernel.mu.Unlock()

	entry, ok := t.process.handles[h]
	if !ok {
		return errc(kernel.ErrInvalidArgument, "close")
	}
	delete(t.process.handles, h)
	entry.object.release(t.kernel)
	return nil
}

func (t *Task) Log(level kernel.LogLevel, msg string) {
	t.kernel.mu.Lock()
	sink := t.kernel.logSink
	pid := t.process.pid
	t.kernel.mu.Unlock()

	if sink != nil {
		sink(level, pid, msg)
	}
}
