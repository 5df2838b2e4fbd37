package compiler

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/laluxx/monadc/pkg/diagnostics"
	"tinygo.org/x/go-llvm"
)

// Artifacts selects which backend outputs to produce. With none selected the
// driver emits an object file and links it into a native executable.
type Artifacts struct {
	IR  bool // .ll
	BC  bool // .bc
	Asm bool // .s
	Obj bool // .o
}

func (a Artifacts) none() bool {
	return !a.IR && !a.BC && !a.Asm && !a.Obj
}

func backendError(format string, args ...any) error {
	return diagnostics.Newf(diagnostics.EBackend, nil, format, args...)
}

// Emit verifies the module and drives it through the selected artifact
// sinks. The target machine uses the host default triple, a generic CPU,
// position-independent relocation and the default code model.
func (c *Compiler) Emit(base string, arts Artifacts) error {
	if err := llvm.VerifyModule(c.module, llvm.ReturnStatusAction); err != nil {
		return backendError("module verification failed: %s", err)
	}

	if arts.IR {
		file := base + ".ll"
		if err := os.WriteFile(file, []byte(c.module.String()), 0644); err != nil {
			return backendError("failed to write IR: %s", err)
		}
		fmt.Fprintf(c.out, "Wrote IR to %s\n", file)
	}

	if arts.BC {
		file := base + ".bc"
		f, err := os.Create(file)
		if err != nil {
			return backendError("failed to write bitcode: %s", err)
		}
		if err := llvm.WriteBitcodeToFile(c.module, f); err != nil {
			f.Close()
			return backendError("failed to write bitcode: %s", err)
		}
		f.Close()
		fmt.Fprintf(c.out, "Wrote bitcode to %s\n", file)
	}

	if !arts.Obj && !arts.Asm && !arts.none() {
		return nil
	}

	triple := llvm.DefaultTargetTriple()
	target, err := llvm.GetTargetFromTriple(triple)
	if err != nil {
		return backendError("failed to get target: %s", err)
	}
	machine := target.CreateTargetMachine(triple, "generic", "",
		llvm.CodeGenLevelDefault, llvm.RelocPIC, llvm.CodeModelDefault)
	defer machine.Dispose()

	if arts.Asm {
		file := base + ".s"
		if err := c.emitToFile(machine, file, llvm.AssemblyFile); err != nil {
			return err
		}
		fmt.Fprintf(c.out, "Wrote assembly to %s\n", file)
	}

	objFile := base + ".o"
	if arts.Obj || arts.none() {
		if err := c.emitToFile(machine, objFile, llvm.ObjectFile); err != nil {
			return err
		}
	}
	if arts.Obj {
		fmt.Fprintf(c.out, "Wrote object file to %s\n", objFile)
	}

	if arts.none() {
		cmd := exec.Command("cc", objFile, "-o", base, "-lm", "-no-pie")
		cmd.Stderr = os.Stderr
		if err := cmd.Run(); err != nil {
			return backendError("failed to link executable: %s", err)
		}
		fmt.Fprintf(c.out, "Created executable: %s\n", base)
		os.Remove(objFile)
	}
	return nil
}

func (c *Compiler) emitToFile(machine llvm.TargetMachine, file string, kind llvm.CodeGenFileType) error {
	buf, err := machine.EmitToMemoryBuffer(c.module, kind)
	if err != nil {
		return backendError("failed to emit %s: %s", file, err)
	}
	defer buf.Dispose()
	if err := os.WriteFile(file, buf.Bytes(), 0644); err != nil {
		return backendError("failed to emit %s: %s", file, err)
	}
	return nil
}
