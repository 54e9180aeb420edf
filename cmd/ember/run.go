// Copyright 2025 The ember Authors
// This file is part of ember.
//
// ember is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// ember is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with ember. If not, see <http://www.gnu.org/licenses/>.

package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/urfave/cli/v2"

	"github.com/embervm/ember/common"
	"github.com/embervm/ember/core/vm"
	"github.com/embervm/ember/engine"
	"github.com/embervm/ember/params"
)

var (
	codeFlag = &cli.StringFlag{
		Name:     "code",
		Usage:    "hex encoded bytecode to execute",
		Required: true,
	}
	gasFlag = &cli.Uint64Flag{
		Name:  "gas",
		Usage: "gas budget for the frame",
		Value: 10_000_000,
	}
	traceFlag = &cli.BoolFlag{
		Name:  "trace",
		Usage: "record and print every executed instruction",
	}
	stepFlag = &cli.BoolFlag{
		Name:  "step",
		Usage: "pause after every instruction and print the machine state",
	}
	fusionFlag = &cli.BoolFlag{
		Name:  "fusion",
		Usage: "enable the opcode fusion pass",
	}
	verboseFlag = &cli.BoolFlag{
		Name:  "verbose",
		Usage: "log interpreter aborts to stderr",
	}
)

var runCommand = &cli.Command{
	Name:      "run",
	Usage:     "execute bytecode in a fresh frame over an in-memory state",
	ArgsUsage: " ",
	Flags:     []cli.Flag{codeFlag, gasFlag, traceFlag, stepFlag, fusionFlag, verboseFlag},
	Action:    runAction,
}

func runAction(ctx *cli.Context) error {
	code := common.FromHex(ctx.String(codeFlag.Name))
	if len(code) == 0 {
		return fmt.Errorf("empty or invalid --code")
	}
	gas := ctx.Uint64(gasFlag.Name)

	var logger *slog.Logger
	if ctx.Bool(verboseFlag.Name) {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	eng := engine.New(engine.Config{
		Rules:        params.MainnetRules(),
		EnableFusion: ctx.Bool(fusionFlag.Name),
		Logger:       logger,
	})
	var (
		frame  engine.Handle
		status engine.Status
	)
	tracing := ctx.Bool(traceFlag.Name) || ctx.Bool(stepFlag.Name)
	if tracing {
		frame, status = eng.CreateTracingFrame(code, gas)
	} else {
		frame, status = eng.CreateFrame(code, gas)
	}
	if !status.OK() {
		return fmt.Errorf("create frame: %v", status)
	}
	defer eng.DestroyFrame(frame)

	tty := isatty.IsTerminal(os.Stdout.Fd())
	if ctx.Bool(stepFlag.Name) {
		eng.FrameSetStepMode(frame, true)
		status = stepRun(eng, frame, tty)
	} else {
		status = eng.FrameExecute(frame)
	}

	if ctx.Bool(traceFlag.Name) {
		printTrace(eng, frame, tty)
	}
	printOutcome(eng, frame, status, tty)
	if !status.OK() && status != engine.StatusRevert {
		return cli.Exit("", 1)
	}
	return nil
}

// stepRun drives a step-mode frame, printing the machine state after every
// instruction.
func stepRun(eng *engine.Engine, frame engine.Handle, tty bool) engine.Status {
	for {
		status := eng.FrameExecute(frame)
		if status != engine.StatusSuccess {
			return status
		}
		if stopped, _ := eng.FrameIsStopped(frame); stopped {
			return engine.StatusSuccess
		}
		stats, _ := eng.FrameGetStats(frame)
		op, _ := eng.FrameCurrentOpcode(frame)
		fmt.Printf("pc=%-5d op=%-14s gas=%-10d stack=%d mem=%d\n",
			stats.PC, vm.OpCode(op), stats.GasRemaining, stats.StackSize, stats.MemorySize)
	}
}

func printTrace(eng *engine.Engine, frame engine.Handle, tty bool) {
	opColor := fmt.Sprintf
	if tty {
		opColor = color.New(color.FgCyan).Sprintf
	}
	n, _ := eng.FrameStepCount(frame)
	for i := 0; i < n; i++ {
		step, status := eng.FrameGetStep(frame, i)
		if !status.OK() {
			break
		}
		fmt.Printf("%4d  pc=%-5d %s gas=%d->%d", i, step.PC, opColor("%-14s", step.Op), step.GasBefore, step.GasAfter)
		if len(step.Stack) > 0 {
			top := step.Stack[len(step.Stack)-1]
			fmt.Printf(" top=%s", top.Hex())
		}
		fmt.Println()
	}
}

func printOutcome(eng *engine.Engine, frame engine.Handle, status engine.Status, tty bool) {
	statusText := status.String()
	if tty {
		switch status {
		case engine.StatusSuccess:
			statusText = color.GreenString(statusText)
		case engine.StatusRevert:
			statusText = color.YellowString(statusText)
		default:
			statusText = color.RedString(statusText)
		}
	}
	stats, _ := eng.FrameGetStats(frame)
	fmt.Printf("status: %s\n", statusText)
	fmt.Printf("gas used: %d (remaining %d)\n", stats.GasUsed, stats.GasRemaining)

	stack, _ := eng.FrameGetStack(frame, -1)
	fmt.Printf("stack (%d):\n", len(stack))
	for i, item := range stack {
		fmt.Printf("  [%d] 0x%x\n", i, item)
	}
	if ret, st := eng.FrameReturnData(frame); st.OK() && len(ret) > 0 {
		fmt.Printf("return: 0x%x\n", ret)
	}
}
