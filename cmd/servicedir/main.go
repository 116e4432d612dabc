package main

import (
    "flag"
    "fmt"
    "os"
    "sort"
)

type command struct {
    run func()
    usage string
}

var commands map[string]command = make(map[string]command)

var optConfigFile *string
var optStoreDir *string
var optHost *string
var optPort *int
var optMagnitude *int
var optLimit *int

func init() {
    optConfigFile = flag.String("conf", "", "Config file to use in the server")
    optStoreDir = flag.String("store", "", "Scratch space storage directory")
    optHost = flag.String("host", "localhost", "Host of the node to query")
    optPort = flag.Int("port", 9090, "Port of the node to query")
    optMagnitude = flag.Int("magnitude", 10000, "Number of operations per benchmark")
    optLimit = flag.Int("limit", 10, "Maximum number of partition events to show")
}

func registerCommand(name string, run func(), usage string) {
    commands[name] = command{ run, usage }
}

func printUsage() {
    fmt.Fprintf(os.Stderr, "Usage: servicedir <command> [arguments]\n\nCommands:\n")

    names := make([]string, 0, len(commands))

    for name, _ := range commands {
        names = append(names, name)
    }

    sort.Strings(names)

    for _, name := range names {
        fmt.Fprintf(os.Stderr, "    %s", commands[name].usage)
    }
}

func main() {
    if len(os.Args) < 2 {
        printUsage()

        return
    }

    commandName := os.Args[1]
    command, ok := commands[commandName]

    if !ok {
        fmt.Fprintf(os.Stderr, "%s is not a valid command\n\n", commandName)

        printUsage()

        return
    }

    flag.CommandLine.Parse(os.Args[2:])

    command.run()
}
