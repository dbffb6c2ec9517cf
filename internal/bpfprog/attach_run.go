/*
 * @Author: CALM.WU
 * @Date: 2023-08-18 14:45:53
 * @Last Modified by: CALM.WU
 * @Last Modified time: 2024-03-18 17:22:10
 */

package bpfprog

import (
	"reflect"
	"strings"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/golang/glog"
	"github.com/pkg/errors"
)

type __load func() (*ebpf.CollectionSpec, error)
type __rewriteSpec func(*ebpf.CollectionSpec) error

// ParseTracepointSection splits "tracepoint/<group>/<name>", the tp/ short
// form is accepted too.
func ParseTracepointSection(section string) (group, name string, err error) {
	units := strings.Split(section, "/")
	if len(units) != 3 || (units[0] != "tracepoint" && units[0] != "tp") || units[1] == "" || units[2] == "" {
		return "", "", errors.Errorf("section:'%s' is not tracepoint/<group>/<name>", section)
	}
	return units[1], units[2], nil
}

func attachProgram(prog *ebpf.Program, progSpec *ebpf.ProgramSpec) (link.Link, string, error) {
	switch prog.Type() {
	case ebpf.TracePoint:
		group, name, err := ParseTracepointSection(progSpec.SectionName)
		if err != nil {
			return nil, "", err
		}
		l, err := link.Tracepoint(group, name, prog, nil)
		return l, group + ":" + name, err
	case ebpf.RawTracepoint:
		l, err := link.AttachRawTracepoint(link.RawTracepointOptions{
			Name:    progSpec.AttachTo,
			Program: prog,
		})
		return l, progSpec.AttachTo, err
	}
	return nil, "", errors.Errorf("program type:'%s' not support", prog.Type().String())
}

func closeLinks(links []link.Link) {
	for _, l := range links {
		l.Close()
	}
}

// AttachObjPrograms attaches every *ebpf.Program field of progs, a bpf2go
// style XXXPrograms struct, using the ProgramSpec named by its ebpf tag. On
// failure the links created so far are closed.
func AttachObjPrograms(progs interface{}, progSpecs map[string]*ebpf.ProgramSpec) ([]link.Link, error) {
	var links []link.Link

	objProgs := reflect.Indirect(reflect.ValueOf(progs))
	objProgsT := objProgs.Type()

	for i := 0; i < objProgsT.NumField(); i++ {
		field := objProgsT.Field(i)
		if !field.IsExported() {
			continue
		}
		bpfProg, ok := objProgs.Field(i).Interface().(*ebpf.Program)
		if !ok || bpfProg == nil {
			continue
		}

		progName := field.Tag.Get("ebpf")
		progSpec, ok := progSpecs[progName]
		if !ok {
			closeLinks(links)
			return nil, errors.Errorf("ObjProgs:'%s' field name:'%s', program:'%s' not find in ProgramSpec Map",
				objProgsT.Name(), field.Name, progName)
		}

		l, target, err := attachProgram(bpfProg, progSpec)
		if err != nil {
			closeLinks(links)
			return nil, errors.Wrapf(err, "ObjProgs:'%s' field name:'%s', attach program:'%s' failed.",
				objProgsT.Name(), field.Name, progName)
		}
		links = append(links, l)
		glog.Infof("ObjProgs:'%s' field name:'%s', attach %s program:'%s' ===> target:'%s' successed.",
			objProgsT.Name(), field.Name, bpfProg.Type().String(), progName, target)
	}

	return links, nil
}

// AttachToRun loads the spec from loadF, lets rewriteF adjust it, assigns it
// into objs and attaches the programs found in objs' XXXPrograms field.
func AttachToRun(name string, objs interface{}, loadF __load, rewriteF __rewriteSpec) ([]link.Link, error) {
	spec, err := loadF()
	if err != nil {
		err = errors.Wrapf(err, "eBPFProgram:'%s' load spec failed.", name)
		glog.Error(err.Error())
		return nil, err
	}

	if rewriteF != nil {
		if err := rewriteF(spec); err != nil {
			err = errors.Wrapf(err, "eBPFProgram:'%s' rewrite spec failed.", name)
			glog.Error(err.Error())
			return nil, err
		}
	}

	if err := spec.LoadAndAssign(objs, nil); err != nil {
		err = errors.Wrapf(err, "eBPFProgram:'%s' assign objs failed.", name)
		glog.Error(err.Error())
		return nil, err
	}

	objsV := reflect.Indirect(reflect.ValueOf(objs))
	objsT := objsV.Type()

	var links []link.Link
	for i := 0; i < objsV.NumField(); i++ {
		field := objsT.Field(i)
		if field.Type.Kind() != reflect.Struct || !strings.HasSuffix(field.Name, "Programs") {
			continue
		}
		progLinks, err := AttachObjPrograms(objsV.Field(i).Addr().Interface(), spec.Programs)
		if err != nil {
			closeLinks(links)
			err = errors.Wrapf(err, "eBPFProgram:'%s' AttachObjPrograms failed.", name)
			glog.Error(err.Error())
			return nil, err
		}
		links = append(links, progLinks...)
	}
	glog.Infof("eBPFProgram:'%s' start AttachToRun successfully. links:%d", name, len(links))
	return links, nil
}
