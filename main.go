package main

import (
	"fmt"
	"os"

	"k8s.io/klog/v2"
)

func main() {
	defer klog.Flush()

	if len(os.Args) < 2 {
		printUsage()
		return
	}

	var err error
	switch cmd := os.Args[1]; cmd {
	case "train":
		err = RunTrainCommand(os.Args[2:])
	case "eval":
		err = RunEvalCommand(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		klog.Flush()
		os.Exit(exitCode(err))
	}
}

func printUsage() {
	fmt.Println("Usage:")
	fmt.Println("  pipence [command] [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  train       Train an LSTM language model with an NCE output layer")
	fmt.Println("  eval        Report the perplexity of a saved checkpoint fileset")
	fmt.Println("  help        Show this help message")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  pipence train -data=./data/penn -world-size=4 -epochs=10")
	fmt.Println("  pipence train -data=./data/penn -world-size=2 -rank=0 -peers=host0:7070,host1:7070")
	fmt.Println("  pipence eval -data=./data/penn -save=./saved_model/model.best -split=test")
	fmt.Println()
	fmt.Println("Exit status is 130 when training was cancelled and 1 on failure.")
}
