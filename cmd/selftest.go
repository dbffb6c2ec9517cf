/*
 * @Author: CALM.WU
 * @Date: 2024-03-27 16:02:30
 * @Last Modified by: CALM.WU
 * @Last Modified time: 2024-03-28 10:11:47
 */

package cmd

import (
	"os"
	"strings"
	"unsafe"

	"github.com/golang/glog"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"
	"wxguard.calmwu/internal/capture"
	"wxguard.calmwu/internal/report"
	"wxguard.calmwu/internal/wire"
)

var (
	selftestReplay bool

	selftestCmd = &cobra.Command{
		Use:   "selftest",
		Short: "Issue the risky memory syscalls a running guard must flag",
		RunE:  selftestRun,
	}
)

func init() {
	selftestCmd.Flags().BoolVar(&selftestReplay, "replay", false, "also classify the calls in process and print the alerts")
}

type selftestStep struct {
	kind wire.EventKind
	ctx  capture.TraceContext
}

// selfTask answers the helper calls for the current thread.
type selfTask struct {
	comm [wire.CommLen]byte
}

func newSelfTask() *selfTask {
	t := new(selfTask)
	comm, err := os.ReadFile("/proc/self/comm")
	if err != nil {
		comm = []byte(os.Args[0])
	}
	copy(t.comm[:wire.CommLen-1], strings.TrimSpace(string(comm)))
	return t
}

func (t *selfTask) CurrentPidTgid() uint64 {
	return uint64(unix.Getpid())<<32 | uint64(unix.Gettid())
}

func (t *selfTask) CurrentUidGid() uint64 {
	return uint64(unix.Getgid())<<32 | uint64(unix.Getuid())
}

func (t *selfTask) CurrentComm() [wire.CommLen]byte {
	return t.comm
}

func (t *selfTask) KtimeGetNs() uint64 {
	var ts unix.Timespec
	_ = unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts)
	return uint64(ts.Nano())
}

func addrOf(b []byte) uint64 {
	return uint64(uintptr(unsafe.Pointer(&b[0])))
}

const (
	// where the writable page is placed, so sys_enter_mmap sees a non zero
	// address the guard can remember
	selftestHintBase   = uintptr(0x7e0000000000)
	selftestHintStride = uintptr(1 << 30)
	selftestHintTries  = 16
)

// mmapAtHint maps an anonymous page exactly at one of the hint addresses.
// MAP_FIXED_NOREPLACE fails instead of clobbering an existing mapping.
func mmapAtHint(length uintptr, prot, flags int) (uintptr, error) {
	for i := uintptr(0); i < selftestHintTries; i++ {
		hint := selftestHintBase + i*selftestHintStride
		addr, _, errno := unix.Syscall6(unix.SYS_MMAP, hint, length, uintptr(prot),
			uintptr(flags|unix.MAP_FIXED_NOREPLACE), ^uintptr(0), 0)
		if errno == unix.EEXIST {
			continue
		}
		if errno != 0 {
			return 0, errno
		}
		if addr != hint {
			// kernels before 4.17 treat the flag as a plain hint
			_, _, _ = unix.Syscall(unix.SYS_MUNMAP, addr, length, 0)
			return 0, errors.Errorf("mapped at 0x%x instead of 0x%x, MAP_FIXED_NOREPLACE unsupported", addr, hint)
		}
		return addr, nil
	}
	return 0, errors.New("no free hint address")
}

// runSelftestSyscalls maps an anonymous executable page, then flips an
// anonymous writable page to executable, then unmaps both. Each step carries
// the arguments the syscall was entered with, which is all the tracepoints
// see: the first mmap requests address 0, the second requests its hint.
func runSelftestSyscalls() ([]selftestStep, error) {
	pageSize := os.Getpagesize()
	var steps []selftestStep

	execPage, err := unix.Mmap(-1, 0, pageSize, unix.PROT_READ|unix.PROT_EXEC, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, errors.Wrap(err, "mmap r-x")
	}
	steps = append(steps, selftestStep{wire.EventMmap, capture.EncodeMmap(capture.MmapArgs{
		Addr: 0, Len: uint64(pageSize),
		Prot: unix.PROT_READ | unix.PROT_EXEC, Flags: unix.MAP_ANON | unix.MAP_PRIVATE, Fd: ^uint64(0),
	})})

	rwFlags := unix.MAP_ANON | unix.MAP_PRIVATE
	rwAddr, err := mmapAtHint(uintptr(pageSize), unix.PROT_READ|unix.PROT_WRITE, rwFlags)
	if err != nil {
		_ = unix.Munmap(execPage)
		return nil, errors.Wrap(err, "mmap rw-")
	}
	steps = append(steps, selftestStep{wire.EventMmap, capture.EncodeMmap(capture.MmapArgs{
		Addr: uint64(rwAddr), Len: uint64(pageSize),
		Prot: unix.PROT_READ | unix.PROT_WRITE, Flags: uint64(rwFlags | unix.MAP_FIXED_NOREPLACE), Fd: ^uint64(0),
	})})

	if _, _, errno := unix.Syscall(unix.SYS_MPROTECT, rwAddr, uintptr(pageSize), unix.PROT_READ|unix.PROT_EXEC); errno != 0 {
		glog.Errorf("selftest mprotect r-x failed. err:%s", errno.Error())
	} else {
		steps = append(steps, selftestStep{wire.EventMprotect, capture.EncodeMprotect(capture.MprotectArgs{
			Addr: uint64(rwAddr), Len: uint64(pageSize), Prot: unix.PROT_READ | unix.PROT_EXEC,
		})})
	}

	execAddr := addrOf(execPage)
	if err := unix.Munmap(execPage); err != nil {
		glog.Errorf("selftest munmap 0x%x failed. err:%s", execAddr, err.Error())
	} else {
		steps = append(steps, selftestStep{wire.EventMunmap, capture.EncodeMunmap(capture.MunmapArgs{
			Addr: execAddr, Len: uint64(pageSize),
		})})
	}
	if _, _, errno := unix.Syscall(unix.SYS_MUNMAP, rwAddr, uintptr(pageSize), 0); errno != 0 {
		glog.Errorf("selftest munmap 0x%x failed. err:%s", rwAddr, errno.Error())
	} else {
		steps = append(steps, selftestStep{wire.EventMunmap, capture.EncodeMunmap(capture.MunmapArgs{
			Addr: uint64(rwAddr), Len: uint64(pageSize),
		})})
	}
	return steps, nil
}

// replaySelftest classifies steps in a private session and reports every
// event, whatever its level.
func replaySelftest(steps []selftestStep) error {
	session, err := capture.NewSession(capture.Options{DetectWXTransition: true})
	if err != nil {
		return err
	}
	defer session.Close()

	task := newSelfTask()
	for _, step := range steps {
		session.Probe(step.kind, 0, step.ctx, task)
	}

	reporter, err := report.New(report.Options{
		Console:       true,
		Color:         true,
		AlertMinLevel: wire.RiskLow,
	}, session)
	if err != nil {
		return err
	}
	session.Channel().Drain(0, func(evt *wire.SecurityEvent) {
		reporter.Handle(evt)
	})

	alerts, suppressed, _ := reporter.Stats()
	glog.Infof("selftest replay. events:%d alerts:%d suppressed:%d", len(steps), alerts, suppressed)
	return nil
}

func selftestRun(cmd *cobra.Command, args []string) error {
	defer glog.Flush()

	steps, err := runSelftestSyscalls()
	if err != nil {
		return err
	}
	cmd.Printf("selftest issued %d memory syscalls from pid %d\n", len(steps), os.Getpid())

	if selftestReplay {
		return replaySelftest(steps)
	}
	return nil
}
